package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockhand/dockhand/internal/environment/models"
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
		return nil, fmt.Errorf("failed to initialize environment schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		transport TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '{}',
		collect_activity INTEGER NOT NULL DEFAULT 1,
		collect_metrics INTEGER NOT NULL DEFAULT 1,
		vulnerability_scanner TEXT NOT NULL DEFAULT 'none',
		disk_warning_threshold REAL NOT NULL DEFAULT 80,
		agent_observation TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tokens (
		id TEXT PRIMARY KEY,
		environment_id TEXT NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		expires_at DATETIME,
		last_used DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_tokens_env ON agent_tokens(environment_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) CreateEnvironment(ctx context.Context, env *models.Environment) error {
	transport, err := json.Marshal(env.Transport)
	if err != nil {
		return fmt.Errorf("failed to marshal transport: %w", err)
	}
	labels, err := json.Marshal(env.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	obs, err := json.Marshal(env.Agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent observation: %w", err)
	}

	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO environments
			(id, name, transport, icon, labels, collect_activity, collect_metrics,
			 vulnerability_scanner, disk_warning_threshold, agent_observation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, string(transport), env.Icon, string(labels),
		boolToInt(env.CollectActivity), boolToInt(env.CollectMetrics),
		env.VulnerabilityScanner, env.DiskWarningThreshold, string(obs),
		env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}
	return nil
}

const envColumns = `id, name, transport, icon, labels, collect_activity, collect_metrics,
	vulnerability_scanner, disk_warning_threshold, agent_observation, created_at, updated_at`

func (r *SQLiteRepository) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE id = ?`, id)
	return scanEnvironment(row)
}

func (r *SQLiteRepository) GetEnvironmentByName(ctx context.Context, name string) (*models.Environment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE name = ?`, name)
	return scanEnvironment(row)
}

func (r *SQLiteRepository) ListEnvironments(ctx context.Context) ([]*models.Environment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+envColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []*models.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func (r *SQLiteRepository) UpdateEnvironment(ctx context.Context, env *models.Environment) error {
	transport, err := json.Marshal(env.Transport)
	if err != nil {
		return fmt.Errorf("failed to marshal transport: %w", err)
	}
	labels, err := json.Marshal(env.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	env.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE environments SET
			name = ?, transport = ?, icon = ?, labels = ?,
			collect_activity = ?, collect_metrics = ?,
			vulnerability_scanner = ?, disk_warning_threshold = ?, updated_at = ?
		WHERE id = ?`,
		env.Name, string(transport), env.Icon, string(labels),
		boolToInt(env.CollectActivity), boolToInt(env.CollectMetrics),
		env.VulnerabilityScanner, env.DiskWarningThreshold, env.UpdatedAt, env.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) UpdateAgentObservation(ctx context.Context, id string, obs models.AgentObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal agent observation: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE environments SET agent_observation = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent observation: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) CreateToken(ctx context.Context, token *models.AgentToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (id, environment_id, name, prefix, hash, active, expires_at, last_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.EnvironmentID, token.Name, token.Prefix, token.Hash,
		boolToInt(token.Active), token.ExpiresAt, token.LastUsed, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	return nil
}

const tokenColumns = `id, environment_id, name, prefix, hash, active, expires_at, last_used, created_at`

func (r *SQLiteRepository) GetToken(ctx context.Context, id string) (*models.AgentToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM agent_tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (r *SQLiteRepository) ListTokens(ctx context.Context, environmentID string) ([]*models.AgentToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM agent_tokens WHERE environment_id = ? ORDER BY created_at`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (r *SQLiteRepository) ListActiveTokens(ctx context.Context) ([]*models.AgentToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM agent_tokens WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agent tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (r *SQLiteRepository) TouchTokenLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agent_tokens SET last_used = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SetTokenActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_tokens SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to set token active: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) DeleteToken(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agent_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*models.Environment, error) {
	var env models.Environment
	var transport, labels, obs string
	var collectActivity, collectMetrics int

	err := row.Scan(
		&env.ID, &env.Name, &transport, &env.Icon, &labels,
		&collectActivity, &collectMetrics,
		&env.VulnerabilityScanner, &env.DiskWarningThreshold, &obs,
		&env.CreatedAt, &env.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan environment: %w", err)
	}

	if err := json.Unmarshal([]byte(transport), &env.Transport); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transport: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &env.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(obs), &env.Agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent observation: %w", err)
	}
	env.CollectActivity = collectActivity != 0
	env.CollectMetrics = collectMetrics != 0
	return &env, nil
}

func scanToken(row rowScanner) (*models.AgentToken, error) {
	var t models.AgentToken
	var active int
	err := row.Scan(&t.ID, &t.EnvironmentID, &t.Name, &t.Prefix, &t.Hash,
		&active, &t.ExpiresAt, &t.LastUsed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent token: %w", err)
	}
	t.Active = active != 0
	return &t, nil
}

func collectTokens(rows *sql.Rows) ([]*models.AgentToken, error) {
	var tokens []*models.AgentToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
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
