// Package service owns environment lifecycle: CRUD, agent token issuance,
// and change propagation to the components that cache per-environment
// state.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/agent/token"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/router"
)

// ErrInvalidTransport is returned when a transport configuration is
// incomplete for its kind.
var ErrInvalidTransport = errors.New("invalid transport configuration")

// ChangeListener is notified after an environment's configuration changed
// or the environment was removed. Listeners re-sync their cached state.
type ChangeListener func(ctx context.Context, environmentID string)

// ConnectionCloser severs a live agent tunnel for a removed environment.
type ConnectionCloser interface {
	CloseEnvironment(environmentID string)
}

// Service implements environment management on top of the store.
type Service struct {
	repo      store.Repository
	rt        *router.Router
	eventBus  bus.EventBus
	logger    *logger.Logger
	listeners []ChangeListener
	closer    ConnectionCloser
}

// New creates the environment service.
func New(repo store.Repository, rt *router.Router, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		rt:       rt,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "environment-service")),
	}
}

// OnChange registers a listener for environment configuration changes.
// Not safe to call after the service is serving requests.
func (s *Service) OnChange(fn ChangeListener) {
	s.listeners = append(s.listeners, fn)
}

// SetConnectionCloser wires the component that owns agent tunnels. Not
// safe to call after the service is serving requests.
func (s *Service) SetConnectionCloser(c ConnectionCloser) {
	s.closer = c
}

// Create validates and stores a new environment.
func (s *Service) Create(ctx context.Context, env *models.Environment) error {
	if strings.TrimSpace(env.Name) == "" {
		return errors.New("environment name is required")
	}
	if err := validateTransport(env.Transport); err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	if err := s.repo.CreateEnvironment(ctx, env); err != nil {
		return err
	}
	s.audit(ctx, "environment.created", env)
	return nil
}

// Get returns one environment.
func (s *Service) Get(ctx context.Context, id string) (*models.Environment, error) {
	return s.repo.GetEnvironment(ctx, id)
}

// List returns all environments.
func (s *Service) List(ctx context.Context) ([]*models.Environment, error) {
	return s.repo.ListEnvironments(ctx)
}

// Update stores a changed environment and propagates the change: the
// router drops its cached client and every listener re-syncs.
func (s *Service) Update(ctx context.Context, env *models.Environment) error {
	if err := validateTransport(env.Transport); err != nil {
		return err
	}
	env.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateEnvironment(ctx, env); err != nil {
		return err
	}
	s.propagate(ctx, env.ID)
	s.audit(ctx, "environment.updated", env)
	return nil
}

// Delete removes an environment and everything hanging off it.
func (s *Service) Delete(ctx context.Context, id string) error {
	env, err := s.repo.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteEnvironment(ctx, id); err != nil {
		return err
	}
	// A connected agent for this environment has nothing left to serve.
	if s.closer != nil {
		s.closer.CloseEnvironment(id)
	}
	s.propagate(ctx, id)
	s.audit(ctx, "environment.deleted", env)
	return nil
}

// IssueToken mints a new agent token for an environment. The plaintext is
// returned exactly once; only its Argon2id hash is stored.
func (s *Service) IssueToken(ctx context.Context, environmentID, name string, expiresAt *time.Time) (plaintext string, t *models.AgentToken, err error) {
	if _, err := s.repo.GetEnvironment(ctx, environmentID); err != nil {
		return "", nil, err
	}

	plaintext, prefix, err := token.Generate()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	hash, err := token.Hash(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash token: %w", err)
	}

	t = &models.AgentToken{
		ID:            uuid.NewString(),
		EnvironmentID: environmentID,
		Name:          name,
		Prefix:        prefix,
		Hash:          hash,
		Active:        true,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateToken(ctx, t); err != nil {
		return "", nil, err
	}
	return plaintext, t, nil
}

// ListTokens returns an environment's tokens (hashes never leave the
// store layer's model tag).
func (s *Service) ListTokens(ctx context.Context, environmentID string) ([]*models.AgentToken, error) {
	return s.repo.ListTokens(ctx, environmentID)
}

// RevokeToken deactivates a token. A connected agent using it stays
// connected until its next reconnect.
func (s *Service) RevokeToken(ctx context.Context, tokenID string) error {
	return s.repo.SetTokenActive(ctx, tokenID, false)
}

// DeleteToken removes a token outright.
func (s *Service) DeleteToken(ctx context.Context, tokenID string) error {
	return s.repo.DeleteToken(ctx, tokenID)
}

func (s *Service) propagate(ctx context.Context, environmentID string) {
	s.rt.Invalidate(environmentID)
	for _, fn := range s.listeners {
		fn(ctx, environmentID)
	}
}

func (s *Service) audit(ctx context.Context, eventType string, env *models.Environment) {
	event := bus.NewEvent(eventType, "environment-service", map[string]interface{}{
		"environment_id":   env.ID,
		"environment_name": env.Name,
		"transport":        string(env.Transport.Kind),
	})
	if err := s.eventBus.Publish(ctx, bus.SubjectAudit, event); err != nil {
		s.logger.Warn("Failed to publish audit event", zap.Error(err))
	}
}

// validateTransport checks the fields each transport kind requires.
func validateTransport(t models.Transport) error {
	switch t.Kind {
	case models.TransportSocket:
		return nil // empty socket path means the default socket
	case models.TransportDirect, models.TransportAgentToken:
		if t.Host == "" || t.Port == 0 {
			return fmt.Errorf("%w: %s requires host and port", ErrInvalidTransport, t.Kind)
		}
		return nil
	case models.TransportAgentEdge:
		return nil // the agent dials in; nothing to configure here
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, t.Kind)
	}
}
