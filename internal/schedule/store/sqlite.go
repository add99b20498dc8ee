package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dockhand/dockhand/internal/schedule/models"
)

// SQLiteRepository implements Repository on a shared SQLite handle.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepositoryWithDB wraps an existing connection and ensures the schema.
func NewSQLiteRepositoryWithDB(db *sql.DB) (*SQLiteRepository, error) {
	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schedule schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		environment_id TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		target_name TEXT NOT NULL DEFAULT '',
		update_criteria TEXT NOT NULL DEFAULT '',
		auto_update INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_env ON schedules(environment_id);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id TEXT PRIMARY KEY,
		schedule_kind TEXT NOT NULL,
		schedule_id TEXT NOT NULL,
		environment_id TEXT NOT NULL DEFAULT '',
		entity_name TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		triggered_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_executions_triggered ON schedule_executions(triggered_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, kind, cron_expression, timezone, enabled, environment_id,
			target_id, target_name, update_criteria, auto_update, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Kind), s.CronExpression, s.Timezone, boolToInt(s.Enabled), s.EnvironmentID,
		s.TargetID, s.TargetName, s.UpdateCriteria, boolToInt(s.AutoUpdate), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	return scanSchedule(row)
}

func (r *SQLiteRepository) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, scheduleSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *SQLiteRepository) ListSchedulesForEnvironment(ctx context.Context, environmentID string) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, scheduleSelect+` WHERE environment_id = ? ORDER BY created_at`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *SQLiteRepository) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	s.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET kind = ?, cron_expression = ?, timezone = ?, enabled = ?,
			environment_id = ?, target_id = ?, target_name = ?, update_criteria = ?,
			auto_update = ?, updated_at = ?
		WHERE id = ?`,
		string(s.Kind), s.CronExpression, s.Timezone, boolToInt(s.Enabled),
		s.EnvironmentID, s.TargetID, s.TargetName, s.UpdateCriteria,
		boolToInt(s.AutoUpdate), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) CreateExecution(ctx context.Context, e *models.Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_kind, schedule_id, environment_id,
			entity_name, trigger_kind, triggered_at, started_at, completed_at, duration_ms,
			status, error, details, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.ScheduleKind), e.ScheduleID, e.EnvironmentID,
		e.EntityName, string(e.Trigger), e.TriggeredAt, e.StartedAt, e.CompletedAt, e.DurationMS,
		string(e.Status), e.Error, e.Details, e.Logs,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id)
	return scanExecution(row)
}

func (r *SQLiteRepository) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		executionSelect+` WHERE schedule_id = ? ORDER BY triggered_at DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkExecutionStarted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedule_executions SET status = ?, started_at = ? WHERE id = ?`,
		string(models.StatusRunning), at, id)
	if err != nil {
		return fmt.Errorf("failed to mark execution started: %w", err)
	}
	return requireRow(res)
}

// AppendExecutionLogs concatenates logs onto the existing log text.
func (r *SQLiteRepository) AppendExecutionLogs(ctx context.Context, id, logs string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedule_executions SET logs = logs || ? WHERE id = ?`, logs, id)
	if err != nil {
		return fmt.Errorf("failed to append execution logs: %w", err)
	}
	return requireRow(res)
}

// FinalizeExecution writes the terminal status, timing, error and details.
func (r *SQLiteRepository) FinalizeExecution(ctx context.Context, e *models.Execution) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedule_executions SET status = ?, completed_at = ?, duration_ms = ?,
			error = ?, details = ?
		WHERE id = ?`,
		string(e.Status), e.CompletedAt, e.DurationMS, e.Error, e.Details, e.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) DeleteExecutionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM schedule_executions WHERE triggered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}

const scheduleSelect = `
	SELECT id, kind, cron_expression, timezone, enabled, environment_id,
		target_id, target_name, update_criteria, auto_update, created_at, updated_at
	FROM schedules`

const executionSelect = `
	SELECT id, schedule_kind, schedule_id, environment_id, entity_name, trigger_kind,
		triggered_at, started_at, completed_at, duration_ms, status, error, details, logs
	FROM schedule_executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var s models.Schedule
	var kind string
	var enabled, autoUpdate int
	err := row.Scan(&s.ID, &kind, &s.CronExpression, &s.Timezone, &enabled, &s.EnvironmentID,
		&s.TargetID, &s.TargetName, &s.UpdateCriteria, &autoUpdate, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	s.Kind = models.Kind(kind)
	s.Enabled = enabled != 0
	s.AutoUpdate = autoUpdate != 0
	return &s, nil
}

func collectSchedules(rows *sql.Rows) ([]*models.Schedule, error) {
	var out []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var e models.Execution
	var kind, trigger, status string
	var started, completed sql.NullTime
	err := row.Scan(&e.ID, &kind, &e.ScheduleID, &e.EnvironmentID, &e.EntityName, &trigger,
		&e.TriggeredAt, &started, &completed, &e.DurationMS, &status, &e.Error, &e.Details, &e.Logs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.ScheduleKind = models.Kind(kind)
	e.Trigger = models.Trigger(trigger)
	e.Status = models.ExecutionStatus(status)
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
