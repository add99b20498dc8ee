// Package service routes bus events to configured notification providers.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/notifications/models"
	"github.com/dockhand/dockhand/internal/notifications/providers"
	notificationstore "github.com/dockhand/dockhand/internal/notifications/store"
)

// Notifier subscribes to the event broker and fans notifications out to
// every enabled provider subscribed to the event's category.
type Notifier struct {
	repo     notificationstore.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
	adapters map[models.ProviderType]providers.Provider

	subs []bus.Subscription
}

// NewNotifier creates the notifier.
func NewNotifier(repo notificationstore.Repository, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		repo:     repo,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "notifier")),
		adapters: map[models.ProviderType]providers.Provider{
			models.ProviderTypeLog:     providers.NewLogProvider(log),
			models.ProviderTypeWebhook: providers.NewWebhookProvider(),
			models.ProviderTypeApprise: providers.NewAppriseProvider(),
		},
	}
}

// Start subscribes to the notification-bearing subjects.
func (n *Notifier) Start() error {
	for _, subject := range []string{
		bus.SubjectActivity + ".>",
		bus.SubjectEnvStatus,
		bus.SubjectAudit,
	} {
		sub, err := n.eventBus.Subscribe(subject, n.handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Stop releases the bus subscriptions.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	n.subs = nil
}

// Validate checks a provider configuration against its adapter.
func (n *Notifier) Validate(providerType models.ProviderType, config map[string]interface{}) error {
	adapter := n.adapters[providerType]
	if adapter == nil {
		return fmt.Errorf("unsupported provider type: %s", providerType)
	}
	return adapter.Validate(config)
}

// ValidateEvents rejects unknown subscription categories.
func (n *Notifier) ValidateEvents(events []string) error {
	allowed := make(map[string]struct{})
	for _, e := range models.AllEvents() {
		allowed[e] = struct{}{}
	}
	for _, event := range events {
		if _, ok := allowed[event]; !ok {
			return fmt.Errorf("unsupported event type: %s", event)
		}
	}
	return nil
}

func (n *Notifier) handle(ctx context.Context, event *bus.Event) error {
	category := categorize(event.Type)
	if category == "" {
		return nil
	}

	message := buildMessage(event)

	list, err := n.repo.ListProviders(ctx)
	if err != nil {
		n.logger.Error("Failed to load notification providers", zap.Error(err))
		return nil
	}
	for _, provider := range list {
		if !provider.Enabled {
			continue
		}
		subs, err := n.repo.ListSubscriptions(ctx, provider.ID)
		if err != nil {
			n.logger.Warn("Failed to load subscriptions",
				zap.String("provider_id", provider.ID), zap.Error(err))
			continue
		}
		if !subscribed(subs, category) {
			continue
		}
		adapter := n.adapters[provider.Type]
		if adapter == nil {
			continue
		}
		message.Config = provider.Config
		if err := adapter.Send(ctx, message); err != nil {
			n.logger.Warn("Notification delivery failed",
				zap.String("provider_id", provider.ID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// categorize maps a bus event type onto a subscription category; empty
// means the event carries no notification.
func categorize(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "container."):
		return models.EventContainer
	case strings.HasPrefix(eventType, "environment."):
		return models.EventEnvironment
	case strings.HasPrefix(eventType, "auto_update_") || eventType == "update_available":
		return models.EventUpdates
	default:
		return ""
	}
}

func subscribed(subs []*models.Subscription, category string) bool {
	for _, s := range subs {
		if s.Enabled && s.EventType == category {
			return true
		}
	}
	return false
}

// buildMessage derives the human-facing title and body from the event
// payload.
func buildMessage(event *bus.Event) providers.Message {
	str := func(key string) string {
		if v, ok := event.Data[key].(string); ok {
			return v
		}
		return ""
	}

	severity := str("severity")
	if severity == "" {
		severity = severityFor(event.Type)
	}

	title := event.Type
	body := ""
	switch {
	case strings.HasPrefix(event.Type, "container."):
		action := strings.TrimPrefix(event.Type, "container.")
		title = fmt.Sprintf("Container %s: %s", action, str("container_name"))
		body = fmt.Sprintf("Container %s (%s) reported %s.", str("container_name"), str("image"), action)
	case event.Type == "environment.status":
		status := "offline"
		if online, ok := event.Data["online"].(bool); ok && online {
			status = "online"
		}
		if severity == "" || severity == "info" {
			severity = map[string]string{"online": "success", "offline": "error"}[status]
		}
		title = fmt.Sprintf("Environment %s", status)
		body = fmt.Sprintf("Environment %s is now %s.", str("name"), status)
	case event.Type == "environment.disk_warning":
		title = "Disk space warning"
		body = fmt.Sprintf("Environment %s is above its disk usage threshold.", str("environment_id"))
	case event.Type == "environment.disk_ok":
		title = "Disk space recovered"
		body = fmt.Sprintf("Environment %s is back under its disk usage threshold.", str("environment_id"))
	case event.Type == "auto_update_blocked":
		title = "Update blocked"
		body = fmt.Sprintf("Update of %s (%s) was blocked: %s.", str("container_name"), str("image"), str("reason"))
	case event.Type == "auto_update_success":
		title = "Container updated"
		body = fmt.Sprintf("Container %s was updated to the latest %s.", str("container_name"), str("image"))
	case event.Type == "update_available":
		title = "Update available"
		body = fmt.Sprintf("A newer image is available for %s (%s).", str("container_name"), str("image"))
	}

	return providers.Message{
		EventType:     event.Type,
		Title:         title,
		Body:          body,
		Severity:      severity,
		EnvironmentID: str("environment_id"),
	}
}

// severityFor supplies a severity for event types that do not carry one.
func severityFor(eventType string) string {
	switch eventType {
	case "auto_update_blocked", "environment.disk_warning":
		return "warning"
	case "auto_update_success", "environment.disk_ok":
		return "success"
	default:
		return "info"
	}
}
