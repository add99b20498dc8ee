// Package store persists environments and agent tokens.
package store

import (
	"context"
	"errors"

	"github.com/dockhand/dockhand/internal/environment/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the environment persistence interface.
type Repository interface {
	CreateEnvironment(ctx context.Context, env *models.Environment) error
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	GetEnvironmentByName(ctx context.Context, name string) (*models.Environment, error)
	ListEnvironments(ctx context.Context) ([]*models.Environment, error)
	UpdateEnvironment(ctx context.Context, env *models.Environment) error
	// DeleteEnvironment removes the environment; dependent rows (tokens,
	// schedules, events, metrics) cascade via foreign keys.
	DeleteEnvironment(ctx context.Context, id string) error
	UpdateAgentObservation(ctx context.Context, id string, obs models.AgentObservation) error

	CreateToken(ctx context.Context, token *models.AgentToken) error
	GetToken(ctx context.Context, id string) (*models.AgentToken, error)
	ListTokens(ctx context.Context, environmentID string) ([]*models.AgentToken, error)
	// ListActiveTokens returns every usable token across environments, for
	// agent hello validation.
	ListActiveTokens(ctx context.Context) ([]*models.AgentToken, error)
	TouchTokenLastUsed(ctx context.Context, id string) error
	SetTokenActive(ctx context.Context, id string, active bool) error
	DeleteToken(ctx context.Context, id string) error

	Close() error
}
