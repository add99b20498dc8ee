// Package store persists stack sources, env vars, and git stack definitions.
package store

import (
	"context"
	"errors"

	"github.com/dockhand/dockhand/internal/stack/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the stack persistence interface.
type Repository interface {
	UpsertSource(ctx context.Context, src *models.StackSource) error
	GetSource(ctx context.Context, stackName, environmentID string) (*models.StackSource, error)
	ListSources(ctx context.Context, environmentID string) ([]*models.StackSource, error)
	DeleteSource(ctx context.Context, stackName, environmentID string) error

	UpsertEnvVar(ctx context.Context, v *models.StackEnvVar) error
	ListEnvVars(ctx context.Context, stackName, environmentID string) ([]*models.StackEnvVar, error)
	DeleteEnvVar(ctx context.Context, stackName, environmentID, key string) error
	DeleteStackRows(ctx context.Context, stackName, environmentID string) error

	UpsertGitStack(ctx context.Context, gs *models.GitStack) error
	GetGitStack(ctx context.Context, id string) (*models.GitStack, error)
	ListGitStacks(ctx context.Context, environmentID string) ([]*models.GitStack, error)
	SetGitStackCommit(ctx context.Context, id, commit string) error
	DeleteGitStack(ctx context.Context, id string) error

	Close() error
}
