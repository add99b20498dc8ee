// Package models defines the environment domain types.
package models

import "time"

// TransportKind selects how the server reaches an environment's daemon.
type TransportKind string

const (
	// TransportSocket is HTTP over a local Unix domain socket.
	TransportSocket TransportKind = "socket"
	// TransportDirect is HTTP/HTTPS straight to host:port.
	TransportDirect TransportKind = "direct"
	// TransportAgentToken is HTTP/HTTPS through an agent's forward proxy,
	// authenticated with the X-Agent-Token header.
	TransportAgentToken TransportKind = "agent-token"
	// TransportAgentEdge tunnels requests over the agent's WebSocket; the
	// server never dials the daemon.
	TransportAgentEdge TransportKind = "agent-edge"
)

// Transport holds the per-environment connection configuration.
type Transport struct {
	Kind          TransportKind `json:"kind"`
	Host          string        `json:"host,omitempty"`
	Port          int           `json:"port,omitempty"`
	SocketPath    string        `json:"socket_path,omitempty"`
	TLSCA         string        `json:"tls_ca,omitempty"`
	TLSCert       string        `json:"tls_cert,omitempty"`
	TLSKey        string        `json:"tls_key,omitempty"`
	TLSSkipVerify bool          `json:"tls_skip_verify,omitempty"`
	UseTLS        bool          `json:"use_tls,omitempty"`
	// AgentToken authenticates forward-proxy requests for the agent-token
	// transport. Sent as the X-Agent-Token header.
	AgentToken string `json:"agent_token,omitempty"`
}

// AgentObservation is what the server last learned about an edge agent.
type AgentObservation struct {
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	AgentName    string     `json:"agent_name,omitempty"`
	AgentVersion string     `json:"agent_version,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// Environment represents one container daemon the server manages.
type Environment struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Icon      string            `json:"icon,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`

	// Collection flags
	CollectActivity bool `json:"collect_activity"`
	CollectMetrics  bool `json:"collect_metrics"`

	// Per-environment update policy
	VulnerabilityScanner string  `json:"vulnerability_scanner"` // none | grype | trivy | both
	DiskWarningThreshold float64 `json:"disk_warning_threshold"`

	Agent AgentObservation `json:"agent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEdge reports whether the environment is reached through a reverse tunnel.
func (e *Environment) IsEdge() bool {
	return e.Transport.Kind == TransportAgentEdge
}

// AgentToken is a per-environment reverse-tunnel bearer credential.
// Only the Argon2id hash is stored; the first eight characters of the
// plaintext are kept for identification in listings.
type AgentToken struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Name          string     `json:"name"`
	Prefix        string     `json:"prefix"` // first 8 chars of the plaintext token
	Hash          string     `json:"-"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the token is past its expiry.
func (t *AgentToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Usable reports whether the token may authenticate an agent right now.
func (t *AgentToken) Usable(now time.Time) bool {
	return t.Active && !t.Expired(now)
}
