// Package models defines notification provider and subscription types.
package models

import "time"

// ProviderType identifies a delivery mechanism.
type ProviderType string

const (
	// ProviderTypeLog writes notifications to the server log.
	ProviderTypeLog ProviderType = "log"
	// ProviderTypeWebhook POSTs notifications as JSON to a configured URL.
	ProviderTypeWebhook ProviderType = "webhook"
	// ProviderTypeApprise delivers through the apprise CLI.
	ProviderTypeApprise ProviderType = "apprise"
)

// Event categories a provider can subscribe to. Bus events map onto these
// by type prefix.
const (
	EventContainer   = "container_events"
	EventEnvironment = "environment_status"
	EventUpdates     = "update_outcomes"
)

// AllEvents lists every subscribable category.
func AllEvents() []string {
	return []string{EventContainer, EventEnvironment, EventUpdates}
}

// Provider is one configured notification target.
type Provider struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      ProviderType           `json:"type"`
	Config    map[string]interface{} `json:"config"`
	Enabled   bool                   `json:"enabled"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Subscription links a provider to an event category.
type Subscription struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	EventType  string    `json:"event_type"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}
