package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockhand/dockhand/internal/stack/models"
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
		return nil, fmt.Errorf("failed to initialize stack schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stack_sources (
		stack_name TEXT NOT NULL,
		environment_id TEXT NOT NULL,
		source TEXT NOT NULL,
		git_repo_id TEXT NOT NULL DEFAULT '',
		git_stack_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (stack_name, environment_id)
	);

	CREATE TABLE IF NOT EXISTS stack_env_vars (
		stack_name TEXT NOT NULL,
		environment_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		is_secret INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (stack_name, environment_id, key)
	);

	CREATE TABLE IF NOT EXISTS git_stacks (
		id TEXT PRIMARY KEY,
		stack_name TEXT NOT NULL,
		environment_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		url TEXT NOT NULL,
		branch TEXT NOT NULL,
		compose_path TEXT NOT NULL,
		env_file_path TEXT NOT NULL DEFAULT '',
		credential TEXT,
		last_commit TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_git_stacks_env ON git_stacks(environment_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) UpsertSource(ctx context.Context, src *models.StackSource) error {
	src.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stack_sources (stack_name, environment_id, source, git_repo_id, git_stack_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_name, environment_id) DO UPDATE SET
			source = excluded.source,
			git_repo_id = excluded.git_repo_id,
			git_stack_id = excluded.git_stack_id,
			updated_at = excluded.updated_at`,
		src.StackName, src.EnvironmentID, string(src.Source), src.GitRepoID, src.GitStackID, src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stack source: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSource(ctx context.Context, stackName, environmentID string) (*models.StackSource, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT stack_name, environment_id, source, git_repo_id, git_stack_id, updated_at
		FROM stack_sources WHERE stack_name = ? AND environment_id = ?`,
		stackName, environmentID)

	var src models.StackSource
	var source string
	err := row.Scan(&src.StackName, &src.EnvironmentID, &source, &src.GitRepoID, &src.GitStackID, &src.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stack source: %w", err)
	}
	src.Source = models.SourceKind(source)
	return &src, nil
}

func (r *SQLiteRepository) ListSources(ctx context.Context, environmentID string) ([]*models.StackSource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stack_name, environment_id, source, git_repo_id, git_stack_id, updated_at
		FROM stack_sources WHERE environment_id = ? ORDER BY stack_name`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack sources: %w", err)
	}
	defer rows.Close()

	var out []*models.StackSource
	for rows.Next() {
		var src models.StackSource
		var source string
		if err := rows.Scan(&src.StackName, &src.EnvironmentID, &source, &src.GitRepoID, &src.GitStackID, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stack source: %w", err)
		}
		src.Source = models.SourceKind(source)
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteSource(ctx context.Context, stackName, environmentID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM stack_sources WHERE stack_name = ? AND environment_id = ?`, stackName, environmentID)
	if err != nil {
		return fmt.Errorf("failed to delete stack source: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertEnvVar(ctx context.Context, v *models.StackEnvVar) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stack_env_vars (stack_name, environment_id, key, value, is_secret)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stack_name, environment_id, key) DO UPDATE SET
			value = excluded.value,
			is_secret = excluded.is_secret`,
		v.StackName, v.EnvironmentID, v.Key, v.Value, boolToInt(v.IsSecret),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stack env var: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListEnvVars(ctx context.Context, stackName, environmentID string) ([]*models.StackEnvVar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stack_name, environment_id, key, value, is_secret
		FROM stack_env_vars WHERE stack_name = ? AND environment_id = ? ORDER BY key`,
		stackName, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack env vars: %w", err)
	}
	defer rows.Close()

	var out []*models.StackEnvVar
	for rows.Next() {
		var v models.StackEnvVar
		var secret int
		if err := rows.Scan(&v.StackName, &v.EnvironmentID, &v.Key, &v.Value, &secret); err != nil {
			return nil, fmt.Errorf("failed to scan stack env var: %w", err)
		}
		v.IsSecret = secret != 0
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteEnvVar(ctx context.Context, stackName, environmentID, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM stack_env_vars WHERE stack_name = ? AND environment_id = ? AND key = ?`,
		stackName, environmentID, key)
	if err != nil {
		return fmt.Errorf("failed to delete stack env var: %w", err)
	}
	return nil
}

// DeleteStackRows removes every row belonging to a stack after its removal.
func (r *SQLiteRepository) DeleteStackRows(ctx context.Context, stackName, environmentID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM stack_env_vars WHERE stack_name = ? AND environment_id = ?`, stackName, environmentID); err != nil {
		return fmt.Errorf("failed to delete stack env vars: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM stack_sources WHERE stack_name = ? AND environment_id = ?`, stackName, environmentID); err != nil {
		return fmt.Errorf("failed to delete stack source: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertGitStack(ctx context.Context, gs *models.GitStack) error {
	var cred sql.NullString
	if gs.Credential != nil {
		data, err := json.Marshal(gs.Credential)
		if err != nil {
			return fmt.Errorf("failed to marshal git credential: %w", err)
		}
		cred = sql.NullString{String: string(data), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO git_stacks (id, stack_name, environment_id, repo_id, url, branch, compose_path, env_file_path, credential, last_commit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stack_name = excluded.stack_name,
			environment_id = excluded.environment_id,
			repo_id = excluded.repo_id,
			url = excluded.url,
			branch = excluded.branch,
			compose_path = excluded.compose_path,
			env_file_path = excluded.env_file_path,
			credential = excluded.credential`,
		gs.ID, gs.StackName, gs.EnvironmentID, gs.RepoID, gs.URL, gs.Branch,
		gs.ComposePath, gs.EnvFilePath, cred, gs.LastCommit,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert git stack: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetGitStack(ctx context.Context, id string) (*models.GitStack, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, stack_name, environment_id, repo_id, url, branch, compose_path, env_file_path, credential, last_commit
		FROM git_stacks WHERE id = ?`, id)
	return scanGitStack(row)
}

func (r *SQLiteRepository) ListGitStacks(ctx context.Context, environmentID string) ([]*models.GitStack, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, stack_name, environment_id, repo_id, url, branch, compose_path, env_file_path, credential, last_commit
		FROM git_stacks WHERE environment_id = ? ORDER BY stack_name`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list git stacks: %w", err)
	}
	defer rows.Close()

	var out []*models.GitStack
	for rows.Next() {
		gs, err := scanGitStack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SetGitStackCommit(ctx context.Context, id, commit string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE git_stacks SET last_commit = ? WHERE id = ?`, commit, id)
	if err != nil {
		return fmt.Errorf("failed to set git stack commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteGitStack(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM git_stacks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete git stack: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return nil // shared handle is closed by the owner
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGitStack(row rowScanner) (*models.GitStack, error) {
	var gs models.GitStack
	var cred sql.NullString
	err := row.Scan(&gs.ID, &gs.StackName, &gs.EnvironmentID, &gs.RepoID, &gs.URL,
		&gs.Branch, &gs.ComposePath, &gs.EnvFilePath, &cred, &gs.LastCommit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan git stack: %w", err)
	}
	if cred.Valid && cred.String != "" {
		var c models.GitCredential
		if err := json.Unmarshal([]byte(cred.String), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal git credential: %w", err)
		}
		gs.Credential = &c
	}
	return &gs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
