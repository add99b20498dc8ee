// Package store persists schedules and their execution journal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dockhand/dockhand/internal/schedule/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the schedule persistence interface.
type Repository interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	ListSchedulesForEnvironment(ctx context.Context, environmentID string) ([]*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error)
	MarkExecutionStarted(ctx context.Context, id string, at time.Time) error
	AppendExecutionLogs(ctx context.Context, id, logs string) error
	FinalizeExecution(ctx context.Context, e *models.Execution) error
	DeleteExecutionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
