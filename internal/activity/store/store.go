// Package store persists container events and host metrics. Two backends
// exist: the embedded SQLite database (default) and PostgreSQL for
// installations with high event volume.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dockhand/dockhand/internal/activity/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// EventFilter narrows event listings.
type EventFilter struct {
	EnvironmentID string
	ContainerID   string
	Action        string
	Since         time.Time
	Limit         int
}

// Repository is the activity persistence interface.
type Repository interface {
	InsertEvent(ctx context.Context, e *models.ContainerEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.ContainerEvent, error)
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	InsertMetric(ctx context.Context, m *models.HostMetric) error
	ListMetrics(ctx context.Context, environmentID string, since time.Time, limit int) ([]*models.HostMetric, error)
	DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
