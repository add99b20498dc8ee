package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/events/bus"
)

// fakeMetricRepo records inserted metrics in memory.
type fakeMetricRepo struct {
	mu      sync.Mutex
	metrics []*models.HostMetric
}

var _ store.Repository = (*fakeMetricRepo)(nil)

func (f *fakeMetricRepo) InsertEvent(ctx context.Context, e *models.ContainerEvent) error {
	return nil
}

func (f *fakeMetricRepo) ListEvents(ctx context.Context, filter store.EventFilter) ([]*models.ContainerEvent, error) {
	return nil, nil
}

func (f *fakeMetricRepo) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeMetricRepo) InsertMetric(ctx context.Context, m *models.HostMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return nil
}

func (f *fakeMetricRepo) ListMetrics(ctx context.Context, environmentID string, since time.Time, limit int) ([]*models.HostMetric, error) {
	return nil, nil
}

func (f *fakeMetricRepo) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeMetricRepo) Close() error { return nil }

func (f *fakeMetricRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metrics)
}

func newTestWorker(t *testing.T) (*Worker, *fakeMetricRepo, *bus.MemoryEventBus) {
	t.Helper()
	repo := &fakeMetricRepo{}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	w := NewWorker(nil, nil, repo, eventBus, Options{}, logger.Default())
	return w, repo, eventBus
}

func testEnv(id string) *envmodels.Environment {
	return &envmodels.Environment{ID: id, Name: id}
}

func TestFanOutSettlesIndependently(t *testing.T) {
	envs := []*envmodels.Environment{testEnv("slow"), testEnv("fast")}

	start := time.Now()
	results := fanOut(context.Background(), envs, 50*time.Millisecond, func(ctx context.Context, env *envmodels.Environment) error {
		if env.ID == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	elapsed := time.Since(start)

	if len(results) != 2 {
		t.Fatalf("expected 2 settled environments, got %d", len(results))
	}
	if results["fast"] != nil {
		t.Errorf("fast environment failed: %v", results["fast"])
	}
	if !errors.Is(results["slow"], context.DeadlineExceeded) {
		t.Errorf("expected deadline error for slow environment, got %v", results["slow"])
	}
	if elapsed > 2*time.Second {
		t.Errorf("hung environment stalled the sweep for %v", elapsed)
	}
}

func TestPersistSkipsSampleWithoutMemoryTotal(t *testing.T) {
	w, repo, _ := newTestWorker(t)
	ctx := context.Background()

	if err := w.persist(ctx, &models.HostMetric{EnvironmentID: "env-1", MemoryUsed: 100}); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("expected sample without memory total skipped, stored %d", repo.count())
	}

	if err := w.persist(ctx, &models.HostMetric{EnvironmentID: "env-1", MemoryUsed: 100, MemoryTotal: 400}); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if repo.count() != 1 {
		t.Fatalf("expected 1 stored sample, got %d", repo.count())
	}
	if got := repo.metrics[0].MemoryPercent; got != 25 {
		t.Errorf("expected memory percent 25, got %v", got)
	}
}

func TestDataSpaceTotal(t *testing.T) {
	status := [][2]string{
		{"Pool Name", "docker-thinpool"},
		{"Data Space Total", "107.4GB"},
	}
	if got := dataSpaceTotal(status); got != 107400000000 {
		t.Errorf("expected 107400000000, got %d", got)
	}
	if got := dataSpaceTotal([][2]string{{"Backing Filesystem", "extfs"}}); got != 0 {
		t.Errorf("expected 0 without a reported total, got %d", got)
	}
	if got := dataSpaceTotal([][2]string{{"Data Space Total", "garbage"}}); got != 0 {
		t.Errorf("expected 0 for an unparsable total, got %d", got)
	}
}

func TestUpdateWarningCooldown(t *testing.T) {
	w, _, eventBus := newTestWorker(t)
	ctx := context.Background()
	env := testEnv("env-1")

	events := make(chan *bus.Event, 4)
	if _, err := eventBus.Subscribe(bus.SubjectEnvStatus, func(ctx context.Context, e *bus.Event) error {
		events <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	expect := func(eventType string) {
		t.Helper()
		select {
		case e := <-events:
			if e.Type != eventType {
				t.Fatalf("expected %s, got %s", eventType, e.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
	expectNone := func() {
		t.Helper()
		select {
		case e := <-events:
			t.Fatalf("unexpected event %s", e.Type)
		case <-time.After(100 * time.Millisecond):
		}
	}

	// First crossing warns.
	w.updateWarning(ctx, env, 91, 80)
	expect("environment.disk_warning")

	// Still over, inside the cooldown window: silent.
	w.updateWarning(ctx, env, 92, 80)
	expectNone()

	// Still over with the cooldown elapsed: warns again.
	w.mu.Lock()
	w.lastWarned[env.ID] = time.Now().Add(-2 * warningCooldown)
	w.mu.Unlock()
	w.updateWarning(ctx, env, 93, 80)
	expect("environment.disk_warning")

	// Falling back under the threshold emits the all-clear, once.
	w.updateWarning(ctx, env, 40, 80)
	expect("environment.disk_ok")
	w.updateWarning(ctx, env, 40, 80)
	expectNone()
}
