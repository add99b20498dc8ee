package metrics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/router"
)

// statsConcurrency bounds parallel per-container stats calls per sweep.
const statsConcurrency = 8

const (
	// Per-environment deadlines: a hung daemon gives up its slot instead
	// of stalling the sweep.
	statsEnvTimeout = 15 * time.Second
	diskEnvTimeout  = 20 * time.Second

	// warningCooldown spaces repeat disk warnings per environment.
	warningCooldown = time.Hour
)

// Options configure the sampling cadence.
type Options struct {
	StatsInterval        time.Duration // per-container stats sweep
	DiskInterval         time.Duration // disk usage check
	DiskWarningThreshold float64       // default percent, per-env override wins
}

// Worker samples host metrics for every non-edge environment with metrics
// collection enabled. Edge environments report through agent metrics frames
// handled in the server process.
type Worker struct {
	envs     envstore.Repository
	router   *router.Router
	repo     store.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
	opts     Options

	mu            sync.Mutex
	overThreshold map[string]bool      // env ID -> currently above threshold
	lastWarned    map[string]time.Time // env ID -> last warning emitted
	samples       atomic.Int64
	failures      atomic.Int64
}

// NewWorker creates the metrics worker.
func NewWorker(envs envstore.Repository, rt *router.Router, repo store.Repository, eventBus bus.EventBus, opts Options, log *logger.Logger) *Worker {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}
	if opts.DiskInterval <= 0 {
		opts.DiskInterval = 5 * time.Minute
	}
	return &Worker{
		envs:          envs,
		router:        rt,
		repo:          repo,
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "metrics-worker")),
		opts:          opts,
		overThreshold: make(map[string]bool),
		lastWarned:    make(map[string]time.Time),
	}
}

// Stats returns sample/failure counters for status reporting.
func (w *Worker) Stats() (samples, failures int64) {
	return w.samples.Load(), w.failures.Load()
}

// Run samples on the configured cadence until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	statsTicker := time.NewTicker(w.opts.StatsInterval)
	diskTicker := time.NewTicker(w.opts.DiskInterval)
	defer statsTicker.Stop()
	defer diskTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statsTicker.C:
			w.sweepStats(ctx)
		case <-diskTicker.C:
			w.sweepDisk(ctx)
		}
	}
}

func (w *Worker) targets(ctx context.Context) []*envmodels.Environment {
	envs, err := w.envs.ListEnvironments(ctx)
	if err != nil {
		w.logger.Error("Failed to list environments", zap.Error(err))
		return nil
	}
	var out []*envmodels.Environment
	for _, env := range envs {
		if env.CollectMetrics && !env.IsEdge() {
			out = append(out, env)
		}
	}
	return out
}

func (w *Worker) sweepStats(ctx context.Context) {
	for envID, err := range fanOut(ctx, w.targets(ctx), statsEnvTimeout, w.sampleEnvironment) {
		if err != nil {
			w.failures.Add(1)
			w.logger.Warn("Failed to sample environment",
				zap.String("environment_id", envID), zap.Error(err))
		}
	}
}

// fanOut runs fn once per environment, each under its own deadline, and
// waits for all of them to settle. One hung daemon costs its own slot, not
// the whole sweep.
func fanOut(ctx context.Context, envs []*envmodels.Environment, timeout time.Duration, fn func(context.Context, *envmodels.Environment) error) map[string]error {
	results := make(map[string]error, len(envs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := fn(envCtx, env)
			mu.Lock()
			results[env.ID] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// sampleEnvironment aggregates per-container stats into one host metric row.
func (w *Worker) sampleEnvironment(ctx context.Context, env *envmodels.Environment) error {
	client, err := w.router.ClientForEnv(env)
	if err != nil {
		return err
	}

	info, err := client.Info(ctx)
	if err != nil {
		return err
	}
	containers, err := client.ListContainers(ctx, false, nil)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var cpuSum float64
	var memUsed uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for _, ctr := range containers {
		g.Go(func() error {
			stats, err := client.ContainerStats(gctx, ctr.ID)
			if err != nil {
				// A container can exit mid-sweep; skip it.
				return nil
			}
			cpu := ContainerCPUPercent(&stats)
			mem := ContainerMemoryUsage(&stats)
			mu.Lock()
			cpuSum += cpu
			memUsed += mem
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metric := &models.HostMetric{
		EnvironmentID: env.ID,
		CPUPercent:    NormalizeHostCPU(cpuSum, info.NCPU),
		MemoryUsed:    memUsed,
		MemoryTotal:   uint64(info.MemTotal),
		Timestamp:     time.Now().UTC(),
	}
	return w.persist(ctx, metric)
}

// persist stores one sample. A daemon that reports no memory total yields
// an unusable sample, which is skipped rather than stored.
func (w *Worker) persist(ctx context.Context, metric *models.HostMetric) error {
	if metric.MemoryTotal == 0 {
		w.logger.Debug("Skipping sample without memory total",
			zap.String("environment_id", metric.EnvironmentID))
		return nil
	}
	metric.MemoryPercent = float64(metric.MemoryUsed) / float64(metric.MemoryTotal) * 100
	if err := w.repo.InsertMetric(ctx, metric); err != nil {
		return err
	}
	w.samples.Add(1)
	return nil
}

func (w *Worker) sweepDisk(ctx context.Context) {
	for envID, err := range fanOut(ctx, w.targets(ctx), diskEnvTimeout, w.checkDisk) {
		if err != nil {
			w.logger.Warn("Failed to check disk usage",
				zap.String("environment_id", envID), zap.Error(err))
		}
	}
}

// checkDisk reports the daemon's storage consumption and raises a warning
// event when usage crosses the threshold. Capacity comes from the storage
// driver's "Data Space Total" when the daemon reports one; socket
// transports fall back to statfs on the daemon root.
func (w *Worker) checkDisk(ctx context.Context, env *envmodels.Environment) error {
	client, err := w.router.ClientForEnv(env)
	if err != nil {
		return err
	}
	du, err := client.DiskUsage(ctx)
	if err != nil {
		return err
	}

	var containersSize int64
	for _, ctr := range du.Containers {
		containersSize += ctr.SizeRw
	}
	var volumesSize int64
	for _, vol := range du.Volumes {
		if vol.UsageData != nil && vol.UsageData.Size > 0 {
			volumesSize += vol.UsageData.Size
		}
	}
	var buildCacheSize int64
	for _, bc := range du.BuildCache {
		if !bc.Shared {
			buildCacheSize += bc.Size
		}
	}
	used := uint64(du.LayersSize + containersSize + volumesSize + buildCacheSize)

	data := map[string]interface{}{
		"environment_id":   env.ID,
		"layers_size":      du.LayersSize,
		"containers_size":  containersSize,
		"volumes_size":     volumesSize,
		"build_cache_size": buildCacheSize,
	}

	threshold := env.DiskWarningThreshold
	if threshold <= 0 {
		threshold = w.opts.DiskWarningThreshold
	}

	usedPct := -1.0
	if info, err := client.Info(ctx); err == nil {
		if total := dataSpaceTotal(info.DriverStatus); total > 0 {
			usedPct = float64(used) / float64(total) * 100
			data["disk_total"] = total
			data["disk_used_percent"] = usedPct
		} else if env.Transport.Kind == envmodels.TransportSocket && info.DockerRootDir != "" {
			var fs unix.Statfs_t
			if err := unix.Statfs(info.DockerRootDir, &fs); err == nil && fs.Blocks > 0 {
				total := fs.Blocks * uint64(fs.Bsize)
				free := fs.Bavail * uint64(fs.Bsize)
				usedPct = float64(total-free) / float64(total) * 100
				data["disk_total"] = total
				data["disk_free"] = free
				data["disk_used_percent"] = usedPct
			}
		}
	}
	if usedPct >= 0 {
		w.updateWarning(ctx, env, usedPct, threshold)
	}

	event := bus.NewEvent("environment.disk_usage", "metrics-worker", data)
	return w.eventBus.Publish(ctx, bus.ActivitySubject(env.ID), event)
}

// dataSpaceTotal extracts the storage driver's reported capacity, when the
// driver reports one.
func dataSpaceTotal(driverStatus [][2]string) uint64 {
	for _, kv := range driverStatus {
		if kv[0] != "Data Space Total" {
			continue
		}
		size, err := units.FromHumanSize(strings.TrimSpace(kv[1]))
		if err != nil || size <= 0 {
			return 0
		}
		return uint64(size)
	}
	return 0
}

// updateWarning emits a warning when usage sits above the threshold, at
// most once per cooldown window per environment, and an all-clear once it
// falls back under.
func (w *Worker) updateWarning(ctx context.Context, env *envmodels.Environment, usedPct, threshold float64) {
	over := usedPct >= threshold
	now := time.Now()

	w.mu.Lock()
	prev := w.overThreshold[env.ID]
	w.overThreshold[env.ID] = over
	warn := over && now.Sub(w.lastWarned[env.ID]) >= warningCooldown
	if warn {
		w.lastWarned[env.ID] = now
	}
	recovered := !over && prev
	if recovered {
		delete(w.lastWarned, env.ID)
	}
	w.mu.Unlock()

	var eventType string
	switch {
	case warn:
		eventType = "environment.disk_warning"
		w.logger.Warn("Disk usage above threshold",
			zap.String("environment_id", env.ID),
			zap.Float64("used_percent", usedPct),
			zap.Float64("threshold", threshold))
	case recovered:
		eventType = "environment.disk_ok"
	default:
		return
	}

	event := bus.NewEvent(eventType, "metrics-worker", map[string]interface{}{
		"environment_id": env.ID,
		"name":           env.Name,
		"used_percent":   usedPct,
		"threshold":      threshold,
	})
	if err := w.eventBus.Publish(ctx, bus.SubjectEnvStatus, event); err != nil {
		w.logger.Warn("Failed to publish disk warning", zap.Error(err))
	}
}
