package events

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
)

// fakeActivityRepo records inserted events in memory.
type fakeActivityRepo struct {
	mu     sync.Mutex
	events []*models.ContainerEvent
}

var _ store.Repository = (*fakeActivityRepo)(nil)

func (f *fakeActivityRepo) InsertEvent(ctx context.Context, e *models.ContainerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeActivityRepo) ListEvents(ctx context.Context, filter store.EventFilter) ([]*models.ContainerEvent, error) {
	return nil, nil
}

func (f *fakeActivityRepo) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeActivityRepo) InsertMetric(ctx context.Context, m *models.HostMetric) error { return nil }

func (f *fakeActivityRepo) ListMetrics(ctx context.Context, environmentID string, since time.Time, limit int) ([]*models.HostMetric, error) {
	return nil, nil
}

func (f *fakeActivityRepo) DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeActivityRepo) Close() error { return nil }

func (f *fakeActivityRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeActivityRepo) {
	t.Helper()
	repo := &fakeActivityRepo{}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return NewPipeline(repo, eventBus, logger.Default()), repo
}

func testEvent(containerID, action string, nano int64) *models.ContainerEvent {
	return &models.ContainerEvent{
		EnvironmentID: "env-1",
		ContainerID:   containerID,
		ContainerName: "web",
		Image:         "nginx:1.25",
		Action:        action,
		TimeNano:      nano,
	}
}

func TestProcessRecordsAllowedAction(t *testing.T) {
	p, repo := newTestPipeline(t)

	recorded, err := p.Process(context.Background(), testEvent("c1", "start", 1000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !recorded {
		t.Error("expected start event to be recorded")
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 stored event, got %d", repo.count())
	}
}

func TestProcessFiltersNoise(t *testing.T) {
	p, repo := newTestPipeline(t)

	for _, action := range []string{"exec_create: sh", "exec_start", "copy", "archive-path", "attach"} {
		recorded, err := p.Process(context.Background(), testEvent("c1", action, 1000))
		if err != nil {
			t.Fatalf("Process failed for %s: %v", action, err)
		}
		if recorded {
			t.Errorf("expected %q to be filtered", action)
		}
	}
	if repo.count() != 0 {
		t.Errorf("expected no stored events, got %d", repo.count())
	}
}

func TestProcessDropsScannerAndHelperContainers(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		image string
	}{
		{"dockhand-scan-1a2b3c4d", "anchore/grype:latest"},
		{"/dockhand-scan-99ffee00", "alpine:3.20"},
		{"sneaky", "aquasec/trivy:latest"},
	}
	for _, tc := range cases {
		event := testEvent("c1", "start", 1000)
		event.ContainerName = tc.name
		event.Image = tc.image
		recorded, err := p.Process(ctx, event)
		if err != nil {
			t.Fatalf("Process failed for %s: %v", tc.name, err)
		}
		if recorded {
			t.Errorf("expected %s (%s) to be dropped", tc.name, tc.image)
		}
	}
	if repo.count() != 0 {
		t.Errorf("expected no stored events, got %d", repo.count())
	}

	// Ordinary containers still record.
	recorded, err := p.Process(ctx, testEvent("c2", "start", 2000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !recorded || repo.count() != 1 {
		t.Errorf("expected ordinary container recorded, got recorded=%v stored=%d", recorded, repo.count())
	}
}

func TestProcessNormalizesHealthStatus(t *testing.T) {
	p, repo := newTestPipeline(t)

	event := testEvent("c1", "health_status: healthy", 1000)
	recorded, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !recorded {
		t.Error("expected health_status event to be recorded")
	}
	if event.Action != "health_status" {
		t.Errorf("expected normalized action, got %q", event.Action)
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 stored event, got %d", repo.count())
	}
}

func TestProcessSuppressesDuplicates(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, testEvent("c1", "die", 5000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	second, err := p.Process(ctx, testEvent("c1", "die", 5000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !first || second {
		t.Errorf("expected first recorded and duplicate suppressed, got %v/%v", first, second)
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 stored event, got %d", repo.count())
	}

	// Different timestamp means a different occurrence, not a duplicate.
	again, err := p.Process(ctx, testEvent("c1", "die", 6000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !again {
		t.Error("expected event with new timestamp to be recorded")
	}
}

func TestProcessFillsTimestampFromNano(t *testing.T) {
	p, _ := newTestPipeline(t)

	nano := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano()
	event := testEvent("c1", "create", nano)
	if _, err := p.Process(context.Background(), event); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if event.Timestamp.UnixNano() != nano {
		t.Errorf("expected timestamp derived from TimeNano, got %v", event.Timestamp)
	}
}

func TestNormalizeAction(t *testing.T) {
	cases := map[string]string{
		"health_status: healthy": "health_status",
		"exec_create: /bin/sh":   "exec_create",
		"start":                  "start",
	}
	for in, want := range cases {
		if got := NormalizeAction(in); got != want {
			t.Errorf("NormalizeAction(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupCachePrunesPastSizeLimit(t *testing.T) {
	p, _ := newTestPipeline(t)

	// Fill the window cache with expired entries and keep the time-based
	// sweep out of reach; only the size cap can trigger the prune.
	p.mu.Lock()
	expired := time.Now().Add(-time.Minute)
	for i := 0; i < dedupCacheLimit+50; i++ {
		p.seen[testEvent("c"+strconv.Itoa(i), "start", int64(i)).DedupKey()] = expired
	}
	p.lastPrune = time.Now()
	p.mu.Unlock()

	if _, err := p.Process(context.Background(), testEvent("fresh", "start", 9000)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	p.mu.Lock()
	size := len(p.seen)
	p.mu.Unlock()
	if size > 2 {
		t.Errorf("expected expired entries pruned, cache still holds %d", size)
	}
}
