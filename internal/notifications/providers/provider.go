// Package providers implements notification delivery mechanisms.
package providers

import (
	"context"
)

// Message is one notification to deliver.
type Message struct {
	EventType     string // bus event type, e.g. container.die
	Title         string
	Body          string
	Severity      string // error | warning | success | info
	EnvironmentID string
	Config        map[string]interface{} // provider instance config
}

// Provider delivers notifications through one mechanism.
type Provider interface {
	Available() bool
	Validate(config map[string]interface{}) error
	Send(ctx context.Context, message Message) error
}
