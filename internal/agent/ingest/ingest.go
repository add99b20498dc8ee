// Package ingest records what edge agents push over the tunnel. Edge
// environments are never polled by the workers, so the gateway's
// republished frames are their only source of activity and metrics.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	activitymodels "github.com/dockhand/dockhand/internal/activity/models"
	activitystore "github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/workers/events"
)

// Ingester turns gateway-republished agent frames into activity rows.
// Container events go through the same pipeline the event worker uses, so
// edge environments get identical dedup and allowlist behavior.
type Ingester struct {
	pipeline *events.Pipeline
	activity activitystore.Repository
	eventBus bus.EventBus
	logger   *logger.Logger

	subs []bus.Subscription
}

// New creates an ingester.
func New(pipeline *events.Pipeline, activity activitystore.Repository, eventBus bus.EventBus, log *logger.Logger) *Ingester {
	return &Ingester{
		pipeline: pipeline,
		activity: activity,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "agent-ingest")),
	}
}

// Start subscribes to the gateway's republished subjects.
func (i *Ingester) Start() error {
	eventSub, err := i.eventBus.Subscribe(bus.SubjectContainerEvents+".>", i.handleContainerEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to container events: %w", err)
	}
	i.subs = append(i.subs, eventSub)

	metricSub, err := i.eventBus.Subscribe(bus.SubjectAgent+".>", i.handleAgentMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to agent messages: %w", err)
	}
	i.subs = append(i.subs, metricSub)
	return nil
}

// Stop releases the bus subscriptions.
func (i *Ingester) Stop() {
	for _, sub := range i.subs {
		if err := sub.Unsubscribe(); err != nil {
			i.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	i.subs = nil
}

func (i *Ingester) handleContainerEvent(ctx context.Context, event *bus.Event) error {
	if event.Type != "container.event" {
		return nil
	}

	ce := &activitymodels.ContainerEvent{
		EnvironmentID: str(event.Data, "environment_id"),
		ContainerID:   str(event.Data, "container_id"),
		ContainerName: str(event.Data, "container_name"),
		Image:         str(event.Data, "image"),
		Action:        str(event.Data, "action"),
		TimeNano:      i64(event.Data, "time_nano"),
	}
	if ce.EnvironmentID == "" || ce.ContainerID == "" {
		return nil
	}
	if attrs, ok := event.Data["actor_attributes"]; ok {
		ce.ActorAttributes = toStringMap(attrs)
	}

	if _, err := i.pipeline.Process(ctx, ce); err != nil {
		i.logger.Warn("Failed to record agent event",
			zap.String("environment_id", ce.EnvironmentID), zap.Error(err))
	}
	return nil
}

func (i *Ingester) handleAgentMessage(ctx context.Context, event *bus.Event) error {
	if event.Type != "agent.metrics" {
		return nil
	}

	envID := str(event.Data, "environment_id")
	if envID == "" {
		return nil
	}
	cores := f64(event.Data, "cpu_cores")
	cpu := f64(event.Data, "cpu_usage")
	if cores > 1 {
		// Agents report summed per-core usage; normalize like the
		// metrics worker does.
		cpu /= cores
	}
	if cpu > 100 {
		cpu = 100
	}

	metric := &activitymodels.HostMetric{
		EnvironmentID: envID,
		CPUPercent:    cpu,
		MemoryUsed:    u64(event.Data, "memory_used"),
		MemoryTotal:   u64(event.Data, "memory_total"),
		Timestamp:     time.Unix(i64(event.Data, "timestamp"), 0).UTC(),
	}
	if metric.Timestamp.Unix() <= 0 {
		metric.Timestamp = event.Timestamp
	}
	if metric.MemoryTotal > 0 {
		metric.MemoryPercent = float64(metric.MemoryUsed) / float64(metric.MemoryTotal) * 100
	}

	if err := i.activity.InsertMetric(ctx, metric); err != nil {
		i.logger.Warn("Failed to record agent metric",
			zap.String("environment_id", envID), zap.Error(err))
	}
	return nil
}

// Bus payloads round-trip through JSON on the NATS backend, so numbers
// arrive as float64 or json.Number depending on the producer.

func str(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

func f64(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func i64(data map[string]interface{}, key string) int64 {
	return int64(f64(data, key))
}

func u64(data map[string]interface{}, key string) uint64 {
	f := f64(data, key)
	if f < 0 {
		return 0
	}
	return uint64(f)
}

func toStringMap(v interface{}) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, item := range m {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
