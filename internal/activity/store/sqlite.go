package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dockhand/dockhand/internal/activity/models"
)

// SQLiteRepository implements Repository on the embedded database.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepositoryWithDB wraps an existing connection and ensures the schema.
func NewSQLiteRepositoryWithDB(db *sql.DB) (*SQLiteRepository, error) {
	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS container_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		environment_id TEXT NOT NULL,
		container_id TEXT NOT NULL,
		container_name TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		actor_attributes TEXT NOT NULL DEFAULT '{}',
		time_nano INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_env_time ON container_events(environment_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_container ON container_events(container_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON container_events(timestamp);

	CREATE TABLE IF NOT EXISTS host_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		environment_id TEXT NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_percent REAL NOT NULL,
		memory_used INTEGER NOT NULL,
		memory_total INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_env_time ON host_metrics(environment_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON host_metrics(timestamp);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) InsertEvent(ctx context.Context, e *models.ContainerEvent) error {
	attrs, err := json.Marshal(e.ActorAttributes)
	if err != nil {
		return fmt.Errorf("failed to marshal actor attributes: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO container_events (environment_id, container_id, container_name, image,
			action, actor_attributes, time_nano, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EnvironmentID, e.ContainerID, e.ContainerName, e.Image,
		e.Action, string(attrs), e.TimeNano, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert container event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (r *SQLiteRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*models.ContainerEvent, error) {
	var conds []string
	var args []any
	if filter.EnvironmentID != "" {
		conds = append(conds, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.ContainerID != "" {
		conds = append(conds, "container_id = ?")
		args = append(args, filter.ContainerID)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	query := `SELECT id, environment_id, container_id, container_name, image, action,
		actor_attributes, time_nano, timestamp FROM container_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list container events: %w", err)
	}
	defer rows.Close()

	var out []*models.ContainerEvent
	for rows.Next() {
		var e models.ContainerEvent
		var attrs string
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.ContainerID, &e.ContainerName,
			&e.Image, &e.Action, &attrs, &e.TimeNano, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan container event: %w", err)
		}
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &e.ActorAttributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actor attributes: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM container_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune container events: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) InsertMetric(ctx context.Context, m *models.HostMetric) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO host_metrics (environment_id, cpu_percent, memory_percent, memory_used, memory_total, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.EnvironmentID, m.CPUPercent, m.MemoryPercent, m.MemoryUsed, m.MemoryTotal, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert host metric: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (r *SQLiteRepository) ListMetrics(ctx context.Context, environmentID string, since time.Time, limit int) ([]*models.HostMetric, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, environment_id, cpu_percent, memory_percent, memory_used, memory_total, timestamp
		FROM host_metrics
		WHERE environment_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?`,
		environmentID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list host metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.HostMetric
	for rows.Next() {
		var m models.HostMetric
		if err := rows.Scan(&m.ID, &m.EnvironmentID, &m.CPUPercent, &m.MemoryPercent,
			&m.MemoryUsed, &m.MemoryTotal, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan host metric: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM host_metrics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune host metrics: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}
