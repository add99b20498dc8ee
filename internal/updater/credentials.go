package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dockhand/dockhand/internal/registry"
	settingsstore "github.com/dockhand/dockhand/internal/settings/store"
)

// registryCredentialsKey is the settings key holding the configured
// registry credentials as a JSON array.
const registryCredentialsKey = "registry_credentials"

// CredentialSource resolves registry credentials by API hostname. An empty
// Credentials result means anonymous access.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, host string) (registry.Credentials, error)
}

// hostCredential is one configured registry login.
type hostCredential struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SettingsCredentialSource looks credentials up in the settings store,
// with Docker Hub host aliasing applied on both sides.
type SettingsCredentialSource struct {
	settings settingsstore.Repository
}

var _ CredentialSource = (*SettingsCredentialSource)(nil)

// NewSettingsCredentialSource creates a settings-backed credential source.
func NewSettingsCredentialSource(settings settingsstore.Repository) *SettingsCredentialSource {
	return &SettingsCredentialSource{settings: settings}
}

func (s *SettingsCredentialSource) CredentialsFor(ctx context.Context, host string) (registry.Credentials, error) {
	raw, err := s.settings.Get(ctx, registryCredentialsKey)
	if errors.Is(err, settingsstore.ErrNotFound) {
		return registry.Credentials{}, nil
	}
	if err != nil {
		return registry.Credentials{}, err
	}

	var entries []hostCredential
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return registry.Credentials{}, fmt.Errorf("failed to parse registry credentials: %w", err)
	}

	want := registry.NormalizeHost(host)
	for _, e := range entries {
		if registry.NormalizeHost(e.Host) == want {
			return registry.Credentials{Username: e.Username, Password: e.Password}, nil
		}
	}
	return registry.Credentials{}, nil
}
