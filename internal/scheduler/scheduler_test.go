package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/db"
	"github.com/dockhand/dockhand/internal/schedule/models"
	"github.com/dockhand/dockhand/internal/schedule/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Repository) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	repo, err := store.NewSQLiteRepositoryWithDB(sqlDB)
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	runner := JobRunnerFunc(func(ctx context.Context, s *models.Schedule, trigger models.Trigger) {})
	return New(context.Background(), repo, runner, logger.Default()), repo
}

func testSchedule(id, expr string, enabled bool) *models.Schedule {
	now := time.Now().UTC()
	return &models.Schedule{
		ID:             id,
		Kind:           models.KindEnvUpdateCheck,
		CronExpression: expr,
		Enabled:        enabled,
		EnvironmentID:  "env-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestIsValidCron(t *testing.T) {
	valid := []struct{ expr, tz string }{
		{"0 3 * * *", ""},
		{"*/5 * * * *", "UTC"},
		{"30 2 * * 1-5", "Europe/Berlin"},
		{"@daily", ""},
	}
	for _, tc := range valid {
		if !IsValidCron(tc.expr, tc.tz) {
			t.Errorf("expected %q (tz %q) to be valid", tc.expr, tc.tz)
		}
	}
	invalid := []struct{ expr, tz string }{
		{"", ""},
		{"not a cron", ""},
		{"61 * * * *", ""},
		{"0 3 * * *", "Not/AZone"},
	}
	for _, tc := range invalid {
		if IsValidCron(tc.expr, tc.tz) {
			t.Errorf("expected %q (tz %q) to be invalid", tc.expr, tc.tz)
		}
	}
}

func TestRegisterAndNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)

	if err := s.Register(testSchedule("s1", "0 3 * * *", true)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, ok := s.NextRun("s1"); !ok {
		t.Error("expected a next run for a registered schedule")
	}
	if _, ok := s.NextRun("missing"); ok {
		t.Error("expected no next run for an unknown schedule")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)

	sched := testSchedule("s1", "0 3 * * *", true)
	if err := s.Register(sched); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	// Re-registering replaces the entry instead of stacking a second one.
	sched.CronExpression = "0 4 * * *"
	if err := s.Register(sched); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}

	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()
	if entries != 1 {
		t.Errorf("expected 1 registered entry, got %d", entries)
	}
}

func TestRegisterDisabledUnregisters(t *testing.T) {
	s, _ := newTestScheduler(t)

	if err := s.Register(testSchedule("s1", "0 3 * * *", true)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register(testSchedule("s1", "0 3 * * *", false)); err != nil {
		t.Fatalf("Register of disabled schedule failed: %v", err)
	}
	if _, ok := s.NextRun("s1"); ok {
		t.Error("expected disabled schedule to be unregistered")
	}
}

func TestRegisterRejectsBadCron(t *testing.T) {
	s, _ := newTestScheduler(t)
	if err := s.Register(testSchedule("s1", "bogus", true)); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestUnregister(t *testing.T) {
	s, _ := newTestScheduler(t)

	if err := s.Register(testSchedule("s1", "0 3 * * *", true)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Unregister("s1")
	if _, ok := s.NextRun("s1"); ok {
		t.Error("expected schedule to be gone after Unregister")
	}
	// Unregistering twice is harmless.
	s.Unregister("s1")
}

func TestRefreshAllReconciles(t *testing.T) {
	s, repo := newTestScheduler(t)
	ctx := context.Background()

	enabled := testSchedule("s1", "0 3 * * *", true)
	disabled := testSchedule("s2", "0 4 * * *", false)
	if err := repo.CreateSchedule(ctx, enabled); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if err := repo.CreateSchedule(ctx, disabled); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll failed: %v", err)
	}
	if _, ok := s.NextRun("s1"); !ok {
		t.Error("expected enabled schedule to be registered")
	}
	if _, ok := s.NextRun("s2"); ok {
		t.Error("expected disabled schedule to stay unregistered")
	}

	// Removing the row and refreshing drops the registration.
	if err := repo.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll failed: %v", err)
	}
	if _, ok := s.NextRun("s1"); ok {
		t.Error("expected deleted schedule to be unregistered")
	}
}
