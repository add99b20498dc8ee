package gitops

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/journal"
	"github.com/dockhand/dockhand/internal/router"
	schedmodels "github.com/dockhand/dockhand/internal/schedule/models"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
)

// Jobs adapts the syncer to scheduled execution with journal records.
type Jobs struct {
	syncer  *Syncer
	rt      *router.Router
	stacks  stackstore.Repository
	journal *journal.Journal
	logger  *logger.Logger
}

// NewJobs creates the scheduled-job adapter for git stack syncs.
func NewJobs(s *Syncer, rt *router.Router, stacks stackstore.Repository, j *journal.Journal, log *logger.Logger) *Jobs {
	return &Jobs{
		syncer:  s,
		rt:      rt,
		stacks:  stacks,
		journal: j,
		logger:  log.WithFields(zap.String("component", "gitops-jobs")),
	}
}

// RunGitStackSync executes a git_stack_sync schedule. The schedule's
// target id names the git stack.
func (j *Jobs) RunGitStackSync(ctx context.Context, s *schedmodels.Schedule, trigger schedmodels.Trigger) {
	entry, err := j.journal.Begin(ctx, s, trigger, s.TargetName)
	if err != nil {
		j.logger.Error("Failed to open execution", zap.String("schedule_id", s.ID), zap.Error(err))
		return
	}

	gs, err := j.stacks.GetGitStack(ctx, s.TargetID)
	if err != nil {
		entry.Fail(ctx, fmt.Errorf("failed to load git stack: %w", err))
		return
	}
	env, err := j.rt.Environment(ctx, gs.EnvironmentID)
	if err != nil {
		entry.Fail(ctx, fmt.Errorf("failed to load environment: %w", err))
		return
	}

	entry.Logf(ctx, "syncing %s from %s (%s)", gs.StackName, gs.URL, gs.Branch)
	result, err := j.syncer.Sync(ctx, env, gs)
	if result.Output != "" {
		entry.Logf(ctx, "%s", result.Output)
	}
	if err != nil {
		entry.Fail(ctx, err)
		return
	}
	entry.Logf(ctx, "deployed at commit %s (updated=%t)", result.Commit, result.Updated)

	details, _ := json.Marshal(result)
	entry.Succeed(ctx, string(details))
}
