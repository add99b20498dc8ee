package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/dockhand/internal/notifications/models"
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
		return nil, fmt.Errorf("failed to initialize notifications schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS notification_providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS notification_subscriptions (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES notification_providers(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		UNIQUE(provider_id, event_type)
	);`)
	return err
}

func (r *SQLiteRepository) CreateProvider(ctx context.Context, p *models.Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal provider config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notification_providers (id, name, type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), string(config), boolToInt(p.Enabled), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateProvider(ctx context.Context, p *models.Provider) error {
	p.UpdatedAt = time.Now().UTC()
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal provider config: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_providers
		SET name = ?, type = ?, config = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, string(p.Type), string(config), boolToInt(p.Enabled), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, config, enabled, created_at, updated_at
		FROM notification_providers WHERE id = ?`, id)
	return scanProvider(row)
}

func (r *SQLiteRepository) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, config, enabled, created_at, updated_at
		FROM notification_providers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteProvider(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notification_providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListSubscriptions(ctx context.Context, providerID string) ([]*models.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_id, event_type, enabled, created_at
		FROM notification_subscriptions WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		var s models.Subscription
		var enabled int
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.EventType, &enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		s.Enabled = enabled != 0
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ReplaceSubscriptions(ctx context.Context, providerID string, events []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notification_subscriptions WHERE provider_id = ?`, providerID); err != nil {
		return fmt.Errorf("failed to clear subscriptions: %w", err)
	}
	now := time.Now().UTC()
	for _, event := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_subscriptions (id, provider_id, event_type, enabled, created_at)
			VALUES (?, ?, ?, 1, ?)`,
			uuid.NewString(), providerID, event, now); err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*models.Provider, error) {
	var p models.Provider
	var ptype, config string
	var enabled int
	err := row.Scan(&p.ID, &p.Name, &ptype, &config, &enabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	p.Type = models.ProviderType(ptype)
	p.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}
	return &p, nil
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
