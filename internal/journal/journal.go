// Package journal records schedule executions: who triggered what, when,
// the log lines it produced, and how it ended.
package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/schedule/models"
	"github.com/dockhand/dockhand/internal/schedule/store"
)

// flushThreshold batches log appends so chatty jobs do not hammer the
// database with single-line updates.
const flushThreshold = 4 * 1024

// Journal creates and finalizes execution records.
type Journal struct {
	repo   store.Repository
	logger *logger.Logger
}

// New creates a journal over the schedule store.
func New(repo store.Repository, log *logger.Logger) *Journal {
	return &Journal{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "journal")),
	}
}

// Begin opens an execution in the running state.
func (j *Journal) Begin(ctx context.Context, s *models.Schedule, trigger models.Trigger, entityName string) (*Entry, error) {
	now := time.Now().UTC()
	exec := &models.Execution{
		ID:            uuid.NewString(),
		ScheduleKind:  s.Kind,
		ScheduleID:    s.ID,
		EnvironmentID: s.EnvironmentID,
		EntityName:    entityName,
		Trigger:       trigger,
		TriggeredAt:   now,
		StartedAt:     &now,
		Status:        models.StatusRunning,
	}
	if err := j.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to open execution: %w", err)
	}
	return &Entry{journal: j, exec: exec, started: now}, nil
}

// Prune removes executions older than the retention cutoff.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	return j.repo.DeleteExecutionsOlderThan(ctx, cutoff)
}

// Entry is one in-flight execution. Log lines buffer locally and flush in
// batches; Finish flushes and writes the terminal row.
type Entry struct {
	journal *Journal
	exec    *models.Execution
	started time.Time

	mu  sync.Mutex
	buf strings.Builder
}

// ID returns the execution's identifier.
func (e *Entry) ID() string {
	return e.exec.ID
}

// Logf appends a timestamped line to the execution log.
func (e *Entry) Logf(ctx context.Context, format string, args ...interface{}) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...) + "\n"

	e.mu.Lock()
	e.buf.WriteString(line)
	shouldFlush := e.buf.Len() >= flushThreshold
	e.mu.Unlock()

	if shouldFlush {
		e.flush(ctx)
	}
}

func (e *Entry) flush(ctx context.Context) {
	e.mu.Lock()
	if e.buf.Len() == 0 {
		e.mu.Unlock()
		return
	}
	chunk := e.buf.String()
	e.buf.Reset()
	e.mu.Unlock()

	if err := e.journal.repo.AppendExecutionLogs(ctx, e.exec.ID, chunk); err != nil {
		e.journal.logger.Warn("Failed to append execution logs",
			zap.String("execution_id", e.exec.ID), zap.Error(err))
	}
}

// Succeed finalizes the execution as successful.
func (e *Entry) Succeed(ctx context.Context, details string) {
	e.finish(ctx, models.StatusSuccess, "", details)
}

// Fail finalizes the execution as failed.
func (e *Entry) Fail(ctx context.Context, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	e.finish(ctx, models.StatusFailed, msg, "")
}

// Skip finalizes the execution as skipped, with the reason in the details.
func (e *Entry) Skip(ctx context.Context, reason string) {
	e.finish(ctx, models.StatusSkipped, "", reason)
}

func (e *Entry) finish(ctx context.Context, status models.ExecutionStatus, errMsg, details string) {
	e.flush(ctx)

	now := time.Now().UTC()
	e.exec.Status = status
	e.exec.CompletedAt = &now
	e.exec.DurationMS = now.Sub(e.started).Milliseconds()
	e.exec.Error = errMsg
	e.exec.Details = details

	if err := e.journal.repo.FinalizeExecution(ctx, e.exec); err != nil {
		e.journal.logger.Error("Failed to finalize execution",
			zap.String("execution_id", e.exec.ID), zap.Error(err))
	}
}
