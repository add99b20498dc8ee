package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/journal"
	"github.com/dockhand/dockhand/internal/scan/models"
	schedmodels "github.com/dockhand/dockhand/internal/schedule/models"
)

// Jobs adapts the updater to scheduled execution, recording every run in
// the execution journal.
type Jobs struct {
	updater *Updater
	journal *journal.Journal
	logger  *logger.Logger
}

// NewJobs creates the scheduled-job adapter.
func NewJobs(u *Updater, j *journal.Journal, log *logger.Logger) *Jobs {
	return &Jobs{
		updater: u,
		journal: j,
		logger:  log.WithFields(zap.String("component", "update-jobs")),
	}
}

// RunContainerUpdate executes a container_update schedule.
func (j *Jobs) RunContainerUpdate(ctx context.Context, s *schedmodels.Schedule, trigger schedmodels.Trigger) {
	entry, err := j.journal.Begin(ctx, s, trigger, s.TargetName)
	if err != nil {
		j.logger.Error("Failed to open execution", zap.String("schedule_id", s.ID), zap.Error(err))
		return
	}
	log := func(format string, args ...interface{}) { entry.Logf(ctx, format, args...) }

	env, err := j.updater.rt.Environment(ctx, s.EnvironmentID)
	if err != nil {
		entry.Fail(ctx, fmt.Errorf("failed to load environment: %w", err))
		return
	}

	applied, skipReason, err := j.updater.UpdateContainer(ctx, env, s.TargetID, criteriaFor(s), log)
	switch {
	case err != nil:
		entry.Fail(ctx, err)
	case applied:
		entry.Succeed(ctx, detailsJSON(map[string]interface{}{"updated": true}))
	default:
		entry.Skip(ctx, detailsJSON(map[string]interface{}{"reason": skipReason}))
	}
}

// RunEnvCheck executes an env_update_check schedule.
func (j *Jobs) RunEnvCheck(ctx context.Context, s *schedmodels.Schedule, trigger schedmodels.Trigger) {
	entry, err := j.journal.Begin(ctx, s, trigger, s.TargetName)
	if err != nil {
		j.logger.Error("Failed to open execution", zap.String("schedule_id", s.ID), zap.Error(err))
		return
	}
	log := func(format string, args ...interface{}) { entry.Logf(ctx, format, args...) }

	env, err := j.updater.rt.Environment(ctx, s.EnvironmentID)
	if err != nil {
		entry.Fail(ctx, fmt.Errorf("failed to load environment: %w", err))
		return
	}

	summary, err := j.updater.CheckEnvironment(ctx, env, criteriaFor(s), s.AutoUpdate, log)
	switch {
	case errors.Is(err, ErrCheckInProgress):
		entry.Skip(ctx, detailsJSON(map[string]interface{}{"reason": "already_running"}))
	case err != nil:
		entry.Fail(ctx, err)
	default:
		entry.Succeed(ctx, detailsJSON(summary))
	}
}

// criteriaFor resolves the schedule's blocking criteria; absent means
// never block.
func criteriaFor(s *schedmodels.Schedule) models.Criteria {
	if s.UpdateCriteria == "" {
		return models.CriteriaNever
	}
	return models.Criteria(s.UpdateCriteria)
}

func detailsJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
