// Package events collects container daemon events from every environment,
// deduplicates them, and records the ones worth keeping.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/activity/models"
	"github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
)

// dedupWindow is how long an identical event suppresses repeats. Agents
// resend events after reconnects, and the daemon occasionally duplicates.
const dedupWindow = 5 * time.Second

const (
	// dedupCacheLimit forces a prune when the window cache grows past it,
	// keeping a burst of events from ballooning the map between sweeps.
	dedupCacheLimit = 200
	// dedupPruneInterval is the regular expired-entry sweep cadence.
	dedupPruneInterval = 30 * time.Second
)

// recordedActions is the allowlist of daemon actions worth persisting.
// Everything else (exec_* chatter, copy, archive) is noise.
var recordedActions = map[string]bool{
	"create":        true,
	"start":         true,
	"stop":          true,
	"die":           true,
	"kill":          true,
	"oom":           true,
	"destroy":       true,
	"restart":       true,
	"pause":         true,
	"unpause":       true,
	"rename":        true,
	"update":        true,
	"health_status": true,
}

// scannerImagePatterns match the control plane's own scanner containers;
// their lifecycle chatter is not user activity.
var scannerImagePatterns = []string{"anchore/grype", "aquasec/trivy"}

// helperNamePrefixes match short-lived containers the control plane spawns
// for its own housekeeping.
var helperNamePrefixes = []string{"dockhand-scan-"}

// isHelperContainer reports whether an event belongs to one of our own
// scanner or helper containers.
func isHelperContainer(name, image string) bool {
	name = strings.TrimPrefix(name, "/")
	for _, prefix := range helperNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, pattern := range scannerImagePatterns {
		if strings.Contains(image, pattern) {
			return true
		}
	}
	return false
}

// Pipeline normalizes, deduplicates, and stores container events. It is
// shared by the event worker (attached daemons) and the server's edge
// ingest (agent-forwarded events).
type Pipeline struct {
	repo     store.Repository
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewPipeline creates an event pipeline.
func NewPipeline(repo store.Repository, eventBus bus.EventBus, log *logger.Logger) *Pipeline {
	return &Pipeline{
		repo:      repo,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "event-pipeline")),
		seen:      make(map[string]time.Time),
		lastPrune: time.Now(),
	}
}

// NormalizeAction strips daemon action decorations, e.g.
// "health_status: healthy" becomes "health_status".
func NormalizeAction(action string) string {
	if idx := strings.IndexByte(action, ':'); idx >= 0 {
		return strings.TrimSpace(action[:idx])
	}
	return action
}

// Process runs one event through the pipeline. Returns true when the event
// was recorded, false when it was filtered or suppressed as a duplicate.
func (p *Pipeline) Process(ctx context.Context, event *models.ContainerEvent) (bool, error) {
	event.Action = NormalizeAction(event.Action)
	if !recordedActions[event.Action] {
		return false, nil
	}
	if isHelperContainer(event.ContainerName, event.Image) {
		return false, nil
	}
	if p.isDuplicate(event) {
		p.logger.Debug("Suppressing duplicate event",
			zap.String("environment_id", event.EnvironmentID),
			zap.String("container_id", event.ContainerID),
			zap.String("action", event.Action))
		return false, nil
	}

	if event.Timestamp.IsZero() && event.TimeNano > 0 {
		event.Timestamp = time.Unix(0, event.TimeNano).UTC()
	}
	if err := p.repo.InsertEvent(ctx, event); err != nil {
		return false, err
	}

	severity := models.EventSeverity(event.Action)
	notify := bus.NewEvent("container."+event.Action, "event-pipeline", map[string]interface{}{
		"environment_id": event.EnvironmentID,
		"container_id":   event.ContainerID,
		"container_name": event.ContainerName,
		"image":          event.Image,
		"action":         event.Action,
		"severity":       string(severity),
	})
	if err := p.eventBus.Publish(ctx, bus.ActivitySubject(event.EnvironmentID), notify); err != nil {
		p.logger.Warn("Failed to publish recorded event", zap.Error(err))
	}
	return true, nil
}

// isDuplicate registers the event's dedup key and reports whether it was
// already seen inside the window.
func (p *Pipeline) isDuplicate(event *models.ContainerEvent) bool {
	key := event.DedupKey()
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if expiry, ok := p.seen[key]; ok && now.Before(expiry) {
		return true
	}
	p.seen[key] = now.Add(dedupWindow)

	if len(p.seen) > dedupCacheLimit || now.Sub(p.lastPrune) > dedupPruneInterval {
		for k, expiry := range p.seen {
			if now.After(expiry) {
				delete(p.seen, k)
			}
		}
		p.lastPrune = now
	}
	return false
}
