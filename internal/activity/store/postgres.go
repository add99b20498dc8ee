package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/common/database"
)

// PostgresRepository implements Repository on PostgreSQL. It is selected when
// a Postgres DSN is configured, keeping high-volume event and metric writes
// off the embedded database's single writer connection.
type PostgresRepository struct {
	db *database.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an existing pool and ensures the schema.
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS container_events (
		id BIGSERIAL PRIMARY KEY,
		environment_id TEXT NOT NULL,
		container_id TEXT NOT NULL,
		container_name TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		actor_attributes JSONB NOT NULL DEFAULT '{}',
		time_nano BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_env_time ON container_events(environment_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_container ON container_events(container_id);

	CREATE TABLE IF NOT EXISTS host_metrics (
		id BIGSERIAL PRIMARY KEY,
		environment_id TEXT NOT NULL,
		cpu_percent DOUBLE PRECISION NOT NULL,
		memory_percent DOUBLE PRECISION NOT NULL,
		memory_used BIGINT NOT NULL,
		memory_total BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_env_time ON host_metrics(environment_id, timestamp);
	`
	_, err := r.db.Exec(ctx, schema)
	return err
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, e *models.ContainerEvent) error {
	attrs, err := json.Marshal(e.ActorAttributes)
	if err != nil {
		return fmt.Errorf("failed to marshal actor attributes: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO container_events (environment_id, container_id, container_name, image,
			action, actor_attributes, time_nano, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.EnvironmentID, e.ContainerID, e.ContainerName, e.Image,
		e.Action, attrs, e.TimeNano, e.Timestamp,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert container event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*models.ContainerEvent, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.EnvironmentID != "" {
		conds = append(conds, "environment_id = "+arg(filter.EnvironmentID))
	}
	if filter.ContainerID != "" {
		conds = append(conds, "container_id = "+arg(filter.ContainerID))
	}
	if filter.Action != "" {
		conds = append(conds, "action = "+arg(filter.Action))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= "+arg(filter.Since))
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
	query += " ORDER BY timestamp DESC LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list container events: %w", err)
	}
	defer rows.Close()

	var out []*models.ContainerEvent
	for rows.Next() {
		var e models.ContainerEvent
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.ContainerID, &e.ContainerName,
			&e.Image, &e.Action, &attrs, &e.TimeNano, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan container event: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.ActorAttributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actor attributes: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM container_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune container events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) InsertMetric(ctx context.Context, m *models.HostMetric) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO host_metrics (environment_id, cpu_percent, memory_percent, memory_used, memory_total, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		m.EnvironmentID, m.CPUPercent, m.MemoryPercent, int64(m.MemoryUsed), int64(m.MemoryTotal), m.Timestamp,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to insert host metric: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListMetrics(ctx context.Context, environmentID string, since time.Time, limit int) ([]*models.HostMetric, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, environment_id, cpu_percent, memory_percent, memory_used, memory_total, timestamp
		FROM host_metrics
		WHERE environment_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC LIMIT $3`,
		environmentID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list host metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.HostMetric
	for rows.Next() {
		var m models.HostMetric
		var used, total int64
		if err := rows.Scan(&m.ID, &m.EnvironmentID, &m.CPUPercent, &m.MemoryPercent,
			&used, &total, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan host metric: %w", err)
		}
		m.MemoryUsed = uint64(used)
		m.MemoryTotal = uint64(total)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM host_metrics WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune host metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Close() error {
	return nil // pool is closed by the owner
}
