package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/environment/models"
)

type countingEnvRepo struct {
	envs map[string]*models.Environment
	gets int
}

func newCountingEnvRepo() *countingEnvRepo {
	return &countingEnvRepo{envs: make(map[string]*models.Environment)}
}

func (r *countingEnvRepo) CreateEnvironment(ctx context.Context, env *models.Environment) error {
	r.envs[env.ID] = env
	return nil
}

func (r *countingEnvRepo) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	r.gets++
	env, ok := r.envs[id]
	if !ok {
		return nil, errors.New("environment not found")
	}
	return env, nil
}

func (r *countingEnvRepo) GetEnvironmentByName(ctx context.Context, name string) (*models.Environment, error) {
	return nil, errors.New("environment not found")
}

func (r *countingEnvRepo) ListEnvironments(ctx context.Context) ([]*models.Environment, error) {
	return nil, nil
}

func (r *countingEnvRepo) UpdateEnvironment(ctx context.Context, env *models.Environment) error {
	r.envs[env.ID] = env
	return nil
}

func (r *countingEnvRepo) DeleteEnvironment(ctx context.Context, id string) error {
	delete(r.envs, id)
	return nil
}

func (r *countingEnvRepo) UpdateAgentObservation(ctx context.Context, id string, obs models.AgentObservation) error {
	return nil
}

func (r *countingEnvRepo) CreateToken(ctx context.Context, token *models.AgentToken) error { return nil }
func (r *countingEnvRepo) GetToken(ctx context.Context, id string) (*models.AgentToken, error) {
	return nil, errors.New("not found")
}
func (r *countingEnvRepo) ListTokens(ctx context.Context, environmentID string) ([]*models.AgentToken, error) {
	return nil, nil
}
func (r *countingEnvRepo) ListActiveTokens(ctx context.Context) ([]*models.AgentToken, error) {
	return nil, nil
}
func (r *countingEnvRepo) TouchTokenLastUsed(ctx context.Context, id string) error      { return nil }
func (r *countingEnvRepo) SetTokenActive(ctx context.Context, id string, active bool) error {
	return nil
}
func (r *countingEnvRepo) DeleteToken(ctx context.Context, id string) error { return nil }
func (r *countingEnvRepo) Close() error                                     { return nil }

func socketEnv(id string) *models.Environment {
	return &models.Environment{
		ID:   id,
		Name: "env-" + id,
		Transport: models.Transport{
			Kind:       models.TransportSocket,
			SocketPath: "/tmp/dockhand-test.sock",
		},
	}
}

func TestClientForCachesUntilInvalidated(t *testing.T) {
	repo := newCountingEnvRepo()
	env := socketEnv("env1")
	repo.envs[env.ID] = env

	r := NewRouter(repo, nil, logger.Default())
	ctx := context.Background()

	first, err := r.ClientFor(ctx, env.ID)
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	second, err := r.ClientFor(ctx, env.ID)
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if first != second {
		t.Error("expected the cached client to be reused")
	}
	if repo.gets != 1 {
		t.Errorf("expected one store read, got %d", repo.gets)
	}

	r.Invalidate(env.ID)
	third, err := r.ClientFor(ctx, env.ID)
	if err != nil {
		t.Fatalf("ClientFor after invalidate failed: %v", err)
	}
	if third == first {
		t.Error("expected a fresh client after invalidation")
	}
	if repo.gets != 2 {
		t.Errorf("expected a second store read after invalidation, got %d", repo.gets)
	}
}

func TestClientForExpiresWithTTL(t *testing.T) {
	repo := newCountingEnvRepo()
	env := socketEnv("env2")
	repo.envs[env.ID] = env

	r := NewRouter(repo, nil, logger.Default())
	ctx := context.Background()

	if _, err := r.ClientFor(ctx, env.ID); err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}

	// Age the cache entry past its TTL.
	r.mu.Lock()
	r.cache[env.ID].expires = time.Now().Add(-time.Second)
	r.mu.Unlock()

	if _, err := r.ClientFor(ctx, env.ID); err != nil {
		t.Fatalf("ClientFor after expiry failed: %v", err)
	}
	if repo.gets != 2 {
		t.Errorf("expected expired entry to re-read the store, got %d reads", repo.gets)
	}
}

func TestEnvironmentPrefersFreshCache(t *testing.T) {
	repo := newCountingEnvRepo()
	env := socketEnv("env3")
	repo.envs[env.ID] = env

	r := NewRouter(repo, nil, logger.Default())
	ctx := context.Background()

	if _, err := r.ClientFor(ctx, env.ID); err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	got, err := r.Environment(ctx, env.ID)
	if err != nil {
		t.Fatalf("Environment failed: %v", err)
	}
	if got.ID != env.ID {
		t.Errorf("expected cached env %s, got %s", env.ID, got.ID)
	}
	if repo.gets != 1 {
		t.Errorf("expected cached env to avoid a store read, got %d reads", repo.gets)
	}
}

func TestBuildUnknownTransport(t *testing.T) {
	repo := newCountingEnvRepo()
	env := &models.Environment{
		ID:        "env4",
		Transport: models.Transport{Kind: models.TransportKind("carrier-pigeon")},
	}
	repo.envs[env.ID] = env

	r := NewRouter(repo, nil, logger.Default())
	if _, err := r.ClientFor(context.Background(), env.ID); err == nil {
		t.Fatal("expected an error for an unknown transport kind")
	}
}
