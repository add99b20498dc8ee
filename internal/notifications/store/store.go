// Package store persists notification providers and their subscriptions.
package store

import (
	"context"
	"errors"

	"github.com/dockhand/dockhand/internal/notifications/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the notifications persistence interface.
type Repository interface {
	CreateProvider(ctx context.Context, provider *models.Provider) error
	UpdateProvider(ctx context.Context, provider *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)
	DeleteProvider(ctx context.Context, id string) error

	ListSubscriptions(ctx context.Context, providerID string) ([]*models.Subscription, error)
	// ReplaceSubscriptions swaps a provider's subscription set atomically.
	ReplaceSubscriptions(ctx context.Context, providerID string, events []string) error

	Close() error
}
