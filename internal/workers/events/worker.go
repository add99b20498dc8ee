package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	dockerevents "github.com/docker/docker/api/types/events"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/router"
)

const (
	resyncInterval    = 60 * time.Second
	reconnectBackoff  = 5 * time.Second
	reconnectBackoffM = 60 * time.Second
)

// Worker attaches to the daemon event stream of every environment that has
// activity collection enabled. Edge environments are skipped: their events
// arrive through the agent gateway in the server process.
type Worker struct {
	envs     envstore.Repository
	router   *router.Router
	pipeline *Pipeline
	eventBus bus.EventBus
	logger   *logger.Logger

	mu          sync.Mutex
	attachments map[string]context.CancelFunc
	online      map[string]bool

	processed atomic.Int64
	errors    atomic.Int64
}

// NewWorker creates the event worker.
func NewWorker(envs envstore.Repository, rt *router.Router, pipeline *Pipeline, eventBus bus.EventBus, log *logger.Logger) *Worker {
	return &Worker{
		envs:        envs,
		router:      rt,
		pipeline:    pipeline,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "event-worker")),
		attachments: make(map[string]context.CancelFunc),
		online:      make(map[string]bool),
	}
}

// Stats returns processed/error counters for status reporting.
func (w *Worker) Stats() (environments int, processed, errs int64) {
	w.mu.Lock()
	environments = len(w.attachments)
	w.mu.Unlock()
	return environments, w.processed.Load(), w.errors.Load()
}

// Run attaches to all environments and keeps the attachment set in sync
// until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Resync(ctx)

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.detachAll()
			return ctx.Err()
		case <-ticker.C:
			w.Resync(ctx)
		}
	}
}

// Resync reloads environment config and reconciles attachments: new
// environments get attached, removed or disabled ones get detached.
func (w *Worker) Resync(ctx context.Context) {
	envs, err := w.envs.ListEnvironments(ctx)
	if err != nil {
		w.logger.Error("Failed to list environments", zap.Error(err))
		return
	}

	want := make(map[string]*envmodels.Environment)
	for _, env := range envs {
		if env.CollectActivity && !env.IsEdge() {
			want[env.ID] = env
		}
	}

	w.mu.Lock()
	var detach []context.CancelFunc
	for envID, cancel := range w.attachments {
		if _, ok := want[envID]; !ok {
			detach = append(detach, cancel)
			delete(w.attachments, envID)
		}
	}
	var attach []*envmodels.Environment
	for envID, env := range want {
		if _, ok := w.attachments[envID]; !ok {
			attach = append(attach, env)
		}
	}
	w.mu.Unlock()

	for _, cancel := range detach {
		cancel()
	}
	for _, env := range attach {
		w.attach(ctx, env)
	}
}

// RefreshEnvironment drops and re-establishes one environment's attachment
// after its config changed.
func (w *Worker) RefreshEnvironment(ctx context.Context, environmentID string) {
	w.mu.Lock()
	cancel, ok := w.attachments[environmentID]
	if ok {
		delete(w.attachments, environmentID)
	}
	w.mu.Unlock()
	if ok {
		cancel()
	}
	w.router.Invalidate(environmentID)
	w.Resync(ctx)
}

func (w *Worker) attach(ctx context.Context, env *envmodels.Environment) {
	streamCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.attachments[env.ID] = cancel
	w.mu.Unlock()

	w.logger.Info("Attaching to environment events",
		zap.String("environment_id", env.ID),
		zap.String("name", env.Name))
	go w.streamLoop(streamCtx, env)
}

func (w *Worker) detachAll() {
	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.attachments))
	for _, cancel := range w.attachments {
		cancels = append(cancels, cancel)
	}
	w.attachments = make(map[string]context.CancelFunc)
	w.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// streamLoop keeps one environment's event stream open, reconnecting with
// backoff and publishing online/offline transitions.
func (w *Worker) streamLoop(ctx context.Context, env *envmodels.Environment) {
	backoff := reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.streamOnce(ctx, env)
		if ctx.Err() != nil {
			return
		}
		w.errors.Add(1)
		w.setOnline(ctx, env, false, err)

		w.logger.Warn("Event stream dropped, reconnecting",
			zap.String("environment_id", env.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffM {
			backoff = reconnectBackoffM
		}
	}
}

func (w *Worker) streamOnce(ctx context.Context, env *envmodels.Environment) error {
	client, err := w.router.ClientForEnv(env)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return err
	}
	w.setOnline(ctx, env, true, nil)

	msgCh, errCh := client.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			w.handleMessage(ctx, env.ID, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, environmentID string, msg dockerevents.Message) {
	event := &models.ContainerEvent{
		EnvironmentID:   environmentID,
		ContainerID:     msg.Actor.ID,
		ContainerName:   msg.Actor.Attributes["name"],
		Image:           msg.Actor.Attributes["image"],
		Action:          string(msg.Action),
		ActorAttributes: msg.Actor.Attributes,
		TimeNano:        msg.TimeNano,
		Timestamp:       time.Unix(0, msg.TimeNano).UTC(),
	}
	recorded, err := w.pipeline.Process(ctx, event)
	if err != nil {
		w.errors.Add(1)
		w.logger.Error("Failed to record event",
			zap.String("environment_id", environmentID), zap.Error(err))
		return
	}
	if recorded {
		w.processed.Add(1)
	}
}

// setOnline publishes a status transition when the environment flips
// between reachable and unreachable.
func (w *Worker) setOnline(ctx context.Context, env *envmodels.Environment, online bool, cause error) {
	w.mu.Lock()
	prev, known := w.online[env.ID]
	w.online[env.ID] = online
	w.mu.Unlock()
	if known && prev == online {
		return
	}

	status := models.EnvStatus{
		EnvironmentID: env.ID,
		Name:          env.Name,
		Online:        online,
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	data := map[string]interface{}{
		"environment_id": status.EnvironmentID,
		"name":           status.Name,
		"online":         status.Online,
	}
	if status.Error != "" {
		data["error"] = status.Error
	}
	event := bus.NewEvent("environment.status", "event-worker", data)
	if err := w.eventBus.Publish(ctx, bus.SubjectEnvStatus, event); err != nil {
		w.logger.Warn("Failed to publish environment status", zap.Error(err))
	}
	if online {
		w.logger.Info("Environment online", zap.String("environment_id", env.ID))
	} else {
		w.logger.Warn("Environment offline",
			zap.String("environment_id", env.ID), zap.Error(cause))
	}
}
