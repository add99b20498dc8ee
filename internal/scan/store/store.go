// Package store persists vulnerability scans and pending container updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dockhand/dockhand/internal/scan/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the scan persistence interface.
type Repository interface {
	SaveScan(ctx context.Context, scan *models.VulnerabilityScan) error
	// LatestScan returns the most recent scan row for an image in an
	// environment, or ErrNotFound.
	LatestScan(ctx context.Context, environmentID, imageID string) (*models.VulnerabilityScan, error)
	ListScans(ctx context.Context, environmentID string, limit int) ([]*models.VulnerabilityScan, error)
	DeleteScansOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertPendingUpdate(ctx context.Context, p *models.PendingContainerUpdate) error
	ListPendingUpdates(ctx context.Context, environmentID string) ([]*models.PendingContainerUpdate, error)
	DeletePendingUpdate(ctx context.Context, environmentID, containerID string) error

	Close() error
}
