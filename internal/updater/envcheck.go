package updater

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/scan/models"
)

// ErrCheckInProgress is returned when a sweep of the same environment is
// already running.
var ErrCheckInProgress = errors.New("environment update check already running")

// checkConcurrency bounds parallel per-container registry checks per sweep.
const checkConcurrency = 4

// EnvCheckSummary tallies one environment-wide update sweep.
type EnvCheckSummary struct {
	Checked      int `json:"checked"`
	UpdatesFound int `json:"updates_found"`
	Updated      int `json:"updated"`
	Failed       int `json:"failed"`
}

// CheckEnvironment sweeps every container in an environment, reconciles
// the pending-update table, and optionally applies updates. Containers are
// checked concurrently under a bounded group; per-container failures are
// counted, not propagated, so one broken container cannot stop the sweep.
func (u *Updater) CheckEnvironment(ctx context.Context, env *envmodels.Environment, criteria models.Criteria, autoUpdate bool, log logf) (EnvCheckSummary, error) {
	if log == nil {
		log = func(string, ...interface{}) {}
	}

	if _, running := u.envChecks.LoadOrStore(env.ID, struct{}{}); running {
		return EnvCheckSummary{}, ErrCheckInProgress
	}
	defer u.envChecks.Delete(env.ID)

	cli, err := u.rt.ClientForEnv(env)
	if err != nil {
		return EnvCheckSummary{}, err
	}
	containers, err := cli.ListContainers(ctx, true, nil)
	if err != nil {
		return EnvCheckSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary EnvCheckSummary
		// stillPending holds the container ids whose pending-update row
		// should survive this sweep.
		stillPending = make(map[string]struct{})
	)

	var g errgroup.Group
	g.SetLimit(checkConcurrency)
	for _, c := range containers {
		name := strings.TrimPrefix(c.Name, "/")
		if u.selfImage != "" && strings.Contains(c.Image, u.selfImage) {
			continue
		}
		mu.Lock()
		summary.Checked++
		mu.Unlock()

		g.Go(func() error {
			check := u.CheckImage(ctx, cli, c.Image)
			switch check.Outcome {
			case CheckUpdateAvailable:
				mu.Lock()
				summary.UpdatesFound++
				mu.Unlock()
				pending := &models.PendingContainerUpdate{
					EnvironmentID: env.ID,
					ContainerID:   c.ID,
					ContainerName: name,
					CurrentImage:  c.Image,
					CheckedAt:     time.Now().UTC(),
				}
				if err := u.scans.UpsertPendingUpdate(ctx, pending); err != nil {
					u.logger.Warn("Failed to record pending update",
						zap.String("container", name), zap.Error(err))
				}

				if !autoUpdate {
					mu.Lock()
					stillPending[c.ID] = struct{}{}
					mu.Unlock()
					log("update available for %s (%s)", name, c.Image)
					u.publishAudit(env.ID, "update_available", map[string]interface{}{
						"container_id":   c.ID,
						"container_name": name,
						"image":          c.Image,
					})
					return nil
				}

				applied, skipReason, err := u.UpdateContainer(ctx, env, c.ID, criteria, log)
				switch {
				case err != nil:
					mu.Lock()
					summary.Failed++
					stillPending[c.ID] = struct{}{}
					mu.Unlock()
					log("update of %s failed: %v", name, err)
				case applied:
					mu.Lock()
					summary.Updated++
					mu.Unlock()
				default:
					mu.Lock()
					stillPending[c.ID] = struct{}{}
					mu.Unlock()
					log("update of %s skipped: %s", name, skipReason)
				}

			case CheckError:
				// Transient; a pending row recorded by an earlier sweep
				// keeps standing until the registry answers again.
				mu.Lock()
				summary.Failed++
				stillPending[c.ID] = struct{}{}
				mu.Unlock()
				log("check of %s failed: %v", name, check.Err)

			case CheckNoUpdate, CheckLocalImage:
				// Up to date, retagged out of band, or no registry lineage
				// anymore; reconciliation below drops any stale row.
			}
			return nil
		})
	}
	g.Wait()

	u.reconcilePending(ctx, env.ID, stillPending)
	return summary, nil
}

// reconcilePending deletes every pending-update row for the environment
// whose container the sweep did not find out of date. Removed, renamed,
// and locally-rebuilt containers must not linger as pending.
func (u *Updater) reconcilePending(ctx context.Context, envID string, keep map[string]struct{}) {
	rows, err := u.scans.ListPendingUpdates(ctx, envID)
	if err != nil {
		u.logger.Warn("Failed to list pending updates for reconciliation",
			zap.String("environment_id", envID), zap.Error(err))
		return
	}
	for _, row := range rows {
		if _, ok := keep[row.ContainerID]; ok {
			continue
		}
		if err := u.scans.DeletePendingUpdate(ctx, envID, row.ContainerID); err != nil {
			u.logger.Warn("Failed to clear stale pending update",
				zap.String("environment_id", envID),
				zap.String("container_id", row.ContainerID),
				zap.Error(err))
		}
	}
}
