package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dockhand/dockhand/internal/scan/models"
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
		return nil, fmt.Errorf("failed to initialize scan schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vulnerability_scans (
		id TEXT PRIMARY KEY,
		environment_id TEXT NOT NULL DEFAULT '',
		image_id TEXT NOT NULL,
		image_name TEXT NOT NULL,
		scanner TEXT NOT NULL,
		scanned_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		critical INTEGER NOT NULL DEFAULT 0,
		high INTEGER NOT NULL DEFAULT 0,
		medium INTEGER NOT NULL DEFAULT 0,
		low INTEGER NOT NULL DEFAULT 0,
		negligible INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		vulnerabilities TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_scans_env_image ON vulnerability_scans(environment_id, image_id, scanned_at);
	CREATE INDEX IF NOT EXISTS idx_scans_scanned ON vulnerability_scans(scanned_at);

	CREATE TABLE IF NOT EXISTS pending_container_updates (
		environment_id TEXT NOT NULL,
		container_id TEXT NOT NULL,
		container_name TEXT NOT NULL,
		current_image TEXT NOT NULL,
		checked_at DATETIME NOT NULL,
		PRIMARY KEY (environment_id, container_id)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) SaveScan(ctx context.Context, scan *models.VulnerabilityScan) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vulnerability_scans (id, environment_id, image_id, image_name, scanner,
			scanned_at, duration_ms, critical, high, medium, low, negligible, unknown,
			vulnerabilities, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.EnvironmentID, scan.ImageID, scan.ImageName, string(scan.Scanner),
		scan.ScannedAt, scan.DurationMS,
		scan.Counts.Critical, scan.Counts.High, scan.Counts.Medium,
		scan.Counts.Low, scan.Counts.Negligible, scan.Counts.Unknown,
		scan.Vulnerabilities, scan.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LatestScan(ctx context.Context, environmentID, imageID string) (*models.VulnerabilityScan, error) {
	row := r.db.QueryRowContext(ctx,
		scanSelect+` WHERE environment_id = ? AND image_id = ? ORDER BY scanned_at DESC LIMIT 1`,
		environmentID, imageID)
	return scanScan(row)
}

func (r *SQLiteRepository) ListScans(ctx context.Context, environmentID string, limit int) ([]*models.VulnerabilityScan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		scanSelect+` WHERE environment_id = ? ORDER BY scanned_at DESC LIMIT ?`,
		environmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var out []*models.VulnerabilityScan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteScansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM vulnerability_scans WHERE scanned_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune scans: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) UpsertPendingUpdate(ctx context.Context, p *models.PendingContainerUpdate) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_container_updates (environment_id, container_id, container_name, current_image, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(environment_id, container_id) DO UPDATE SET
			container_name = excluded.container_name,
			current_image = excluded.current_image,
			checked_at = excluded.checked_at`,
		p.EnvironmentID, p.ContainerID, p.ContainerName, p.CurrentImage, p.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pending update: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListPendingUpdates(ctx context.Context, environmentID string) ([]*models.PendingContainerUpdate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT environment_id, container_id, container_name, current_image, checked_at
		FROM pending_container_updates WHERE environment_id = ? ORDER BY container_name`,
		environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending updates: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingContainerUpdate
	for rows.Next() {
		var p models.PendingContainerUpdate
		if err := rows.Scan(&p.EnvironmentID, &p.ContainerID, &p.ContainerName, &p.CurrentImage, &p.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending update: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeletePendingUpdate(ctx context.Context, environmentID, containerID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_container_updates WHERE environment_id = ? AND container_id = ?`,
		environmentID, containerID)
	if err != nil {
		return fmt.Errorf("failed to delete pending update: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}

const scanSelect = `
	SELECT id, environment_id, image_id, image_name, scanner, scanned_at, duration_ms,
		critical, high, medium, low, negligible, unknown, vulnerabilities, error
	FROM vulnerability_scans`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (*models.VulnerabilityScan, error) {
	var s models.VulnerabilityScan
	var scanner string
	err := row.Scan(&s.ID, &s.EnvironmentID, &s.ImageID, &s.ImageName, &scanner,
		&s.ScannedAt, &s.DurationMS,
		&s.Counts.Critical, &s.Counts.High, &s.Counts.Medium,
		&s.Counts.Low, &s.Counts.Negligible, &s.Counts.Unknown,
		&s.Vulnerabilities, &s.Error)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan vulnerability scan: %w", err)
	}
	s.Scanner = models.Scanner(scanner)
	return &s, nil
}
