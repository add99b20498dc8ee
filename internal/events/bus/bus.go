// Package bus provides the in-process event broker for dockhand.
//
// The broker carries container events, environment status transitions,
// audit records, and agent gateway traffic between the core services.
// Delivery is fire-and-forget: slow consumers lose messages and producers
// never block.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects. Container events are published per environment so
// consumers can subscribe to a single environment or use a wildcard.
const (
	SubjectContainerEvents = "events.container" // events.container.<env_id>, raw
	SubjectActivity        = "events.activity"  // events.activity.<env_id>, recorded
	SubjectEnvStatus       = "events.env_status"
	SubjectAudit           = "events.audit"
	SubjectAgent           = "events.agent" // events.agent.<env_id>
)

// ContainerEventSubject returns the per-environment container event subject.
func ContainerEventSubject(envID string) string {
	return SubjectContainerEvents + "." + envID
}

// ActivitySubject returns the per-environment recorded activity subject.
func ActivitySubject(envID string) string {
	return SubjectActivity + "." + envID
}

// AgentSubject returns the per-environment agent message subject.
func AgentSubject(envID string) string {
	return SubjectAgent + "." + envID
}

// Event represents a message on the event broker.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event broker operations.
type EventBus interface {
	// Publish sends an event to a subject. Publish never blocks on consumers.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS-style wildcards: * (single token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription: only one subscriber in
	// the queue group receives each message.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the broker.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
