// Package scheduler registers cron-driven jobs: container update checks,
// git stack syncs, environment sweeps, and system cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/schedule/models"
	"github.com/dockhand/dockhand/internal/schedule/store"
)

// cronParser accepts the standard five-field syntax plus descriptors like
// @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JobRunner executes one schedule when it fires.
type JobRunner interface {
	RunSchedule(ctx context.Context, s *models.Schedule, trigger models.Trigger)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, s *models.Schedule, trigger models.Trigger)

func (f JobRunnerFunc) RunSchedule(ctx context.Context, s *models.Schedule, trigger models.Trigger) {
	f(ctx, s, trigger)
}

// Scheduler owns the cron instance and the schedule-to-entry mapping.
type Scheduler struct {
	repo    store.Repository
	runner  JobRunner
	logger  *logger.Logger
	cron    *cron.Cron
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule ID -> cron entry
}

// New creates a scheduler. Jobs run against baseCtx, so cancelling it stops
// in-flight work during shutdown.
func New(baseCtx context.Context, repo store.Repository, runner JobRunner, log *logger.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		runner:  runner,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		cron:    cron.New(cron.WithParser(cronParser)),
		baseCtx: baseCtx,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every stored schedule and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.RefreshAll(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts firing and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// IsValidCron reports whether an expression (with optional timezone)
// parses.
func IsValidCron(expr, timezone string) bool {
	_, err := parseSpec(expr, timezone)
	return err == nil
}

// parseSpec validates the expression and resolves its schedule in the given
// IANA timezone (empty means server-local).
func parseSpec(expr, timezone string) (cron.Schedule, error) {
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Register installs a schedule. Idempotent: re-registering replaces the
// previous entry. Disabled or unparseable schedules are unregistered.
func (s *Scheduler) Register(schedule *models.Schedule) error {
	if !schedule.Enabled {
		s.Unregister(schedule.ID)
		return nil
	}
	spec := schedule.CronExpression
	if schedule.Timezone != "" {
		if _, err := parseSpec(schedule.CronExpression, schedule.Timezone); err != nil {
			s.Unregister(schedule.ID)
			return err
		}
		spec = "CRON_TZ=" + schedule.Timezone + " " + schedule.CronExpression
	}

	scheduleID := schedule.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(scheduleID) })
	if err != nil {
		s.Unregister(scheduleID)
		return fmt.Errorf("failed to register schedule %s: %w", scheduleID, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(old)
	}
	s.entries[scheduleID] = entryID
	s.mu.Unlock()

	s.logger.Debug("Registered schedule",
		zap.String("schedule_id", scheduleID),
		zap.String("kind", string(schedule.Kind)),
		zap.String("cron", schedule.CronExpression),
		zap.String("timezone", schedule.Timezone))
	return nil
}

// Unregister removes a schedule's cron entry. Idempotent.
func (s *Scheduler) Unregister(scheduleID string) {
	s.mu.Lock()
	entryID, ok := s.entries[scheduleID]
	if ok {
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

// NextRun returns the next fire time for a registered schedule.
func (s *Scheduler) NextRun(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[scheduleID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// RefreshAll reconciles cron entries with the store: every enabled, valid
// schedule registered, everything else removed.
func (s *Scheduler) RefreshAll(ctx context.Context) error {
	schedules, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	want := make(map[string]bool, len(schedules))
	for _, schedule := range schedules {
		want[schedule.ID] = true
		if err := s.Register(schedule); err != nil {
			s.logger.Warn("Skipping unregistrable schedule",
				zap.String("schedule_id", schedule.ID), zap.Error(err))
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Unregister(id)
	}
	return nil
}

// RefreshForEnvironment re-syncs the schedules of one environment after
// its config changed.
func (s *Scheduler) RefreshForEnvironment(ctx context.Context, environmentID string) error {
	schedules, err := s.repo.ListSchedulesForEnvironment(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, schedule := range schedules {
		if err := s.Register(schedule); err != nil {
			s.logger.Warn("Skipping unregistrable schedule",
				zap.String("schedule_id", schedule.ID), zap.Error(err))
		}
	}
	return nil
}

// fire re-reads the schedule before running: a schedule deleted or
// disabled after registration must not execute from a stale copy.
func (s *Scheduler) fire(scheduleID string) {
	ctx := s.baseCtx
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Warn("Schedule fired but cannot be loaded, unregistering",
			zap.String("schedule_id", scheduleID), zap.Error(err))
		s.Unregister(scheduleID)
		return
	}
	if !schedule.Enabled {
		s.Unregister(scheduleID)
		return
	}
	s.runner.RunSchedule(ctx, schedule, models.TriggerCron)
}

// TriggerNow runs a schedule immediately, outside its cron cadence.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string, trigger models.Trigger) error {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	go s.runner.RunSchedule(s.baseCtx, schedule, trigger)
	return nil
}
