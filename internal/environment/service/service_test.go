package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/router"
)

type fakeEnvRepo struct {
	envs   map[string]*models.Environment
	tokens map[string]*models.AgentToken
}

func newFakeEnvRepo() *fakeEnvRepo {
	return &fakeEnvRepo{
		envs:   make(map[string]*models.Environment),
		tokens: make(map[string]*models.AgentToken),
	}
}

func (r *fakeEnvRepo) CreateEnvironment(ctx context.Context, env *models.Environment) error {
	r.envs[env.ID] = env
	return nil
}

func (r *fakeEnvRepo) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	env, ok := r.envs[id]
	if !ok {
		return nil, errors.New("environment not found")
	}
	return env, nil
}

func (r *fakeEnvRepo) GetEnvironmentByName(ctx context.Context, name string) (*models.Environment, error) {
	for _, env := range r.envs {
		if env.Name == name {
			return env, nil
		}
	}
	return nil, errors.New("environment not found")
}

func (r *fakeEnvRepo) ListEnvironments(ctx context.Context) ([]*models.Environment, error) {
	out := make([]*models.Environment, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env)
	}
	return out, nil
}

func (r *fakeEnvRepo) UpdateEnvironment(ctx context.Context, env *models.Environment) error {
	if _, ok := r.envs[env.ID]; !ok {
		return errors.New("environment not found")
	}
	r.envs[env.ID] = env
	return nil
}

func (r *fakeEnvRepo) DeleteEnvironment(ctx context.Context, id string) error {
	if _, ok := r.envs[id]; !ok {
		return errors.New("environment not found")
	}
	delete(r.envs, id)
	return nil
}

func (r *fakeEnvRepo) UpdateAgentObservation(ctx context.Context, id string, obs models.AgentObservation) error {
	return nil
}

func (r *fakeEnvRepo) CreateToken(ctx context.Context, t *models.AgentToken) error {
	r.tokens[t.ID] = t
	return nil
}

func (r *fakeEnvRepo) GetToken(ctx context.Context, id string) (*models.AgentToken, error) {
	t, ok := r.tokens[id]
	if !ok {
		return nil, errors.New("token not found")
	}
	return t, nil
}

func (r *fakeEnvRepo) ListTokens(ctx context.Context, environmentID string) ([]*models.AgentToken, error) {
	out := make([]*models.AgentToken, 0)
	for _, t := range r.tokens {
		if t.EnvironmentID == environmentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeEnvRepo) ListActiveTokens(ctx context.Context) ([]*models.AgentToken, error) {
	out := make([]*models.AgentToken, 0)
	for _, t := range r.tokens {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeEnvRepo) TouchTokenLastUsed(ctx context.Context, id string) error { return nil }

func (r *fakeEnvRepo) SetTokenActive(ctx context.Context, id string, active bool) error {
	t, ok := r.tokens[id]
	if !ok {
		return errors.New("token not found")
	}
	t.Active = active
	return nil
}

func (r *fakeEnvRepo) DeleteToken(ctx context.Context, id string) error {
	delete(r.tokens, id)
	return nil
}

func (r *fakeEnvRepo) Close() error { return nil }

type recordingCloser struct {
	closed []string
}

func (c *recordingCloser) CloseEnvironment(environmentID string) {
	c.closed = append(c.closed, environmentID)
}

func newTestService(t *testing.T) (*Service, *fakeEnvRepo, *recordingCloser) {
	t.Helper()
	log := logger.Default()
	repo := newFakeEnvRepo()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	svc := New(repo, router.NewRouter(repo, nil, log), eventBus, log)
	closer := &recordingCloser{}
	svc.SetConnectionCloser(closer)
	return svc, repo, closer
}

func TestDeleteClosesAgentConnection(t *testing.T) {
	svc, repo, closer := newTestService(t)
	ctx := context.Background()

	env := &models.Environment{
		Name:      "edge-1",
		Transport: models.Transport{Kind: models.TransportAgentEdge},
	}
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.Delete(ctx, env.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := repo.envs[env.ID]; ok {
		t.Error("environment still stored after delete")
	}
	if len(closer.closed) != 1 || closer.closed[0] != env.ID {
		t.Errorf("expected connection close for %q, got %v", env.ID, closer.closed)
	}
}

func TestDeleteUnknownEnvironmentSkipsCloser(t *testing.T) {
	svc, _, closer := newTestService(t)

	if err := svc.Delete(context.Background(), "missing"); err == nil {
		t.Fatal("expected delete of unknown environment to fail")
	}
	if len(closer.closed) != 0 {
		t.Errorf("closer called for unknown environment: %v", closer.closed)
	}
}

func TestIssueTokenStoresOnlyHash(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	env := &models.Environment{
		Name:      "edge-2",
		Transport: models.Transport{Kind: models.TransportAgentEdge},
	}
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	plaintext, tok, err := svc.IssueToken(ctx, env.ID, "bootstrap", nil)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if plaintext == "" {
		t.Fatal("expected plaintext token")
	}
	stored := repo.tokens[tok.ID]
	if stored == nil {
		t.Fatal("token not stored")
	}
	if stored.Hash == plaintext || stored.Hash == "" {
		t.Error("stored token must carry the hash, not the plaintext")
	}
	if time.Since(stored.CreatedAt) > time.Minute {
		t.Errorf("unexpected created timestamp %v", stored.CreatedAt)
	}
}
