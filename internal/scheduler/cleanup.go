package scheduler

import (
	"time"

	"go.uber.org/zap"

	activitystore "github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/journal"
	scanstore "github.com/dockhand/dockhand/internal/scan/store"
)

// RegisterCleanupJobs installs the system retention jobs from config.
// These run in the server's timezone default and are not stored schedules;
// they exist as long as the process does.
func (s *Scheduler) RegisterCleanupJobs(cfg config.CleanupConfig, activity activitystore.Repository, scans scanstore.Repository, j *journal.Journal, log *logger.Logger) error {
	clog := log.WithFields(zap.String("component", "system-cleanup"))

	spec := func(expr string) string {
		if cfg.DefaultTimezone != "" {
			return "CRON_TZ=" + cfg.DefaultTimezone + " " + expr
		}
		return expr
	}

	if cfg.ScheduleCleanupOn {
		retention := time.Duration(cfg.ScheduleRetentionDays) * 24 * time.Hour
		_, err := s.cron.AddFunc(spec(cfg.ScheduleCleanupCron), func() {
			ctx := s.baseCtx
			if n, err := j.Prune(ctx, retention); err != nil {
				clog.Error("Execution cleanup failed", zap.Error(err))
			} else if n > 0 {
				clog.Info("Pruned old executions", zap.Int64("deleted", n))
			}
			cutoff := time.Now().UTC().Add(-retention)
			if n, err := scans.DeleteScansOlderThan(ctx, cutoff); err != nil {
				clog.Error("Scan cleanup failed", zap.Error(err))
			} else if n > 0 {
				clog.Info("Pruned old scans", zap.Int64("deleted", n))
			}
		})
		if err != nil {
			return err
		}
	}

	if cfg.EventCleanupOn {
		retention := time.Duration(cfg.EventRetentionDays) * 24 * time.Hour
		_, err := s.cron.AddFunc(spec(cfg.EventCleanupCron), func() {
			ctx := s.baseCtx
			cutoff := time.Now().UTC().Add(-retention)
			if n, err := activity.DeleteEventsOlderThan(ctx, cutoff); err != nil {
				clog.Error("Event cleanup failed", zap.Error(err))
			} else if n > 0 {
				clog.Info("Pruned old events", zap.Int64("deleted", n))
			}
			if n, err := activity.DeleteMetricsOlderThan(ctx, cutoff); err != nil {
				clog.Error("Metric cleanup failed", zap.Error(err))
			} else if n > 0 {
				clog.Info("Pruned old metrics", zap.Int64("deleted", n))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
