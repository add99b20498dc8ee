package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/schedule/models"
)

type fakeScheduleRepo struct {
	executions map[string]*models.Execution
	logs       map[string]string
	pruned     time.Time
}

func newFakeScheduleRepo() *fakeScheduleRepo {
	return &fakeScheduleRepo{
		executions: make(map[string]*models.Execution),
		logs:       make(map[string]string),
	}
}

func (r *fakeScheduleRepo) CreateSchedule(ctx context.Context, s *models.Schedule) error { return nil }
func (r *fakeScheduleRepo) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return nil, errors.New("not found")
}
func (r *fakeScheduleRepo) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return nil, nil
}
func (r *fakeScheduleRepo) ListSchedulesForEnvironment(ctx context.Context, environmentID string) ([]*models.Schedule, error) {
	return nil, nil
}
func (r *fakeScheduleRepo) UpdateSchedule(ctx context.Context, s *models.Schedule) error { return nil }
func (r *fakeScheduleRepo) DeleteSchedule(ctx context.Context, id string) error          { return nil }

func (r *fakeScheduleRepo) CreateExecution(ctx context.Context, e *models.Execution) error {
	copy := *e
	r.executions[e.ID] = &copy
	return nil
}

func (r *fakeScheduleRepo) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	e, ok := r.executions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

func (r *fakeScheduleRepo) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error) {
	return nil, nil
}

func (r *fakeScheduleRepo) MarkExecutionStarted(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (r *fakeScheduleRepo) AppendExecutionLogs(ctx context.Context, id, logs string) error {
	r.logs[id] += logs
	return nil
}

func (r *fakeScheduleRepo) FinalizeExecution(ctx context.Context, e *models.Execution) error {
	copy := *e
	r.executions[e.ID] = &copy
	return nil
}

func (r *fakeScheduleRepo) DeleteExecutionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.pruned = cutoff
	return 3, nil
}

func (r *fakeScheduleRepo) Close() error { return nil }

func testSchedule() *models.Schedule {
	return &models.Schedule{
		ID:            "sched1",
		Kind:          models.KindContainerUpdate,
		EnvironmentID: "env1",
	}
}

func TestBeginOpensRunningExecution(t *testing.T) {
	repo := newFakeScheduleRepo()
	j := New(repo, logger.Default())

	entry, err := j.Begin(context.Background(), testSchedule(), models.TriggerCron, "nginx")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	stored := repo.executions[entry.ID()]
	if stored == nil {
		t.Fatal("expected an execution row")
	}
	if stored.Status != models.StatusRunning {
		t.Errorf("expected running status, got %q", stored.Status)
	}
	if stored.ScheduleID != "sched1" || stored.ScheduleKind != models.KindContainerUpdate {
		t.Errorf("schedule identity not carried: %+v", stored)
	}
	if stored.EntityName != "nginx" || stored.Trigger != models.TriggerCron {
		t.Errorf("entity/trigger not carried: %+v", stored)
	}
	if stored.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestFinishFlushesLogsAndFinalizes(t *testing.T) {
	repo := newFakeScheduleRepo()
	j := New(repo, logger.Default())
	ctx := context.Background()

	entry, err := j.Begin(ctx, testSchedule(), models.TriggerManual, "nginx")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	entry.Logf(ctx, "checking registry for %s", "nginx:1.25")
	entry.Logf(ctx, "update available")
	entry.Succeed(ctx, `{"updated":true}`)

	logs := repo.logs[entry.ID()]
	lines := strings.Split(strings.TrimRight(logs, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), logs)
	}
	for _, line := range lines {
		// Each line carries an RFC3339 timestamp prefix.
		fields := strings.SplitN(line, " ", 2)
		if _, err := time.Parse(time.RFC3339, fields[0]); err != nil {
			t.Errorf("line missing timestamp prefix: %q", line)
		}
	}
	if !strings.Contains(logs, "checking registry for nginx:1.25") {
		t.Errorf("formatted log line missing: %q", logs)
	}

	final := repo.executions[entry.ID()]
	if final.Status != models.StatusSuccess {
		t.Errorf("expected success status, got %q", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if final.DurationMS < 0 {
		t.Errorf("negative duration %d", final.DurationMS)
	}
	if final.Details != `{"updated":true}` {
		t.Errorf("details not carried: %q", final.Details)
	}
}

func TestFailCarriesError(t *testing.T) {
	repo := newFakeScheduleRepo()
	j := New(repo, logger.Default())
	ctx := context.Background()

	entry, err := j.Begin(ctx, testSchedule(), models.TriggerCron, "nginx")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	entry.Fail(ctx, errors.New("daemon unreachable"))

	final := repo.executions[entry.ID()]
	if final.Status != models.StatusFailed {
		t.Errorf("expected failed status, got %q", final.Status)
	}
	if final.Error != "daemon unreachable" {
		t.Errorf("expected error message carried, got %q", final.Error)
	}
	if !final.Status.Terminal() {
		t.Error("expected a terminal status")
	}
}

func TestSkipRecordsReason(t *testing.T) {
	repo := newFakeScheduleRepo()
	j := New(repo, logger.Default())
	ctx := context.Background()

	entry, err := j.Begin(ctx, testSchedule(), models.TriggerCron, "nginx")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	entry.Skip(ctx, "vulnerabilities_found")

	final := repo.executions[entry.ID()]
	if final.Status != models.StatusSkipped {
		t.Errorf("expected skipped status, got %q", final.Status)
	}
	if final.Details != "vulnerabilities_found" {
		t.Errorf("expected skip reason in details, got %q", final.Details)
	}
}

func TestPruneUsesRetentionCutoff(t *testing.T) {
	repo := newFakeScheduleRepo()
	j := New(repo, logger.Default())

	removed, err := j.Prune(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected the store's removal count, got %d", removed)
	}
	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if diff := repo.pruned.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff off by %v", diff)
	}
}
