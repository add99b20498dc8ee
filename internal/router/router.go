// Package router builds and caches daemon connections for each environment.
// Every component that talks to a daemon asks the router for a client; the
// router decides how to reach it from the environment's transport config.
package router

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/environment/models"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/pkg/agentproto"
)

const (
	// cacheTTL bounds how long a built client is reused before the
	// environment config is re-read.
	cacheTTL = 30 * time.Minute

	// slowCallThreshold triggers a warning log for sluggish daemon calls.
	slowCallThreshold = 5 * time.Second
)

// socketCandidates are probed in order when an environment uses the socket
// transport without an explicit path.
var socketCandidates = []string{
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/run/podman/podman.sock",
}

// ErrNoSocket is returned when socket autodetection finds nothing.
var ErrNoSocket = errors.New("no daemon socket found")

// Tunnel is the edge transport the gateway provides.
type Tunnel interface {
	IsConnected(environmentID string) bool
	Call(ctx context.Context, environmentID, method, path string, headers map[string]string, body string) (*agentproto.Response, error)
	StreamCall(ctx context.Context, environmentID, method, path string, headers map[string]string) (io.ReadCloser, error)
}

type cachedClient struct {
	client  *docker.Client
	env     *models.Environment
	expires time.Time
}

// Router resolves environment IDs to daemon clients.
type Router struct {
	envs   envstore.Repository
	tunnel Tunnel
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]*cachedClient
}

// NewRouter creates a router. tunnel may be nil when no gateway is running;
// agent-edge environments then fail with ErrAgentNotConnected semantics.
func NewRouter(envs envstore.Repository, tunnel Tunnel, log *logger.Logger) *Router {
	return &Router{
		envs:   envs,
		tunnel: tunnel,
		logger: log.WithFields(zap.String("component", "router")),
		cache:  make(map[string]*cachedClient),
	}
}

// ClientFor returns a daemon client for the environment, building and
// caching one when needed.
func (r *Router) ClientFor(ctx context.Context, environmentID string) (*docker.Client, error) {
	r.mu.Lock()
	if entry, ok := r.cache[environmentID]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.client, nil
	}
	r.mu.Unlock()

	env, err := r.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment %s: %w", environmentID, err)
	}
	return r.build(env)
}

// ClientForEnv builds or reuses a client for an already-loaded environment.
func (r *Router) ClientForEnv(env *models.Environment) (*docker.Client, error) {
	r.mu.Lock()
	if entry, ok := r.cache[env.ID]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.client, nil
	}
	r.mu.Unlock()
	return r.build(env)
}

// Invalidate drops the cached client after an environment config change.
func (r *Router) Invalidate(environmentID string) {
	r.mu.Lock()
	entry := r.cache[environmentID]
	delete(r.cache, environmentID)
	r.mu.Unlock()
	if entry != nil {
		entry.client.Close()
	}
}

// Environment returns the cached environment config when fresh, falling
// back to the store.
func (r *Router) Environment(ctx context.Context, environmentID string) (*models.Environment, error) {
	r.mu.Lock()
	if entry, ok := r.cache[environmentID]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.env, nil
	}
	r.mu.Unlock()
	return r.envs.GetEnvironment(ctx, environmentID)
}

func (r *Router) build(env *models.Environment) (*docker.Client, error) {
	sdk, err := r.buildSDKClient(env)
	if err != nil {
		return nil, err
	}
	client := docker.New(sdk, env.ID, r.logger)

	r.mu.Lock()
	if old := r.cache[env.ID]; old != nil {
		old.client.Close()
	}
	r.cache[env.ID] = &cachedClient{
		client:  client,
		env:     env,
		expires: time.Now().Add(cacheTTL),
	}
	r.mu.Unlock()

	r.logger.Debug("Built daemon client",
		zap.String("environment_id", env.ID),
		zap.String("transport", string(env.Transport.Kind)))
	return client, nil
}

func (r *Router) buildSDKClient(env *models.Environment) (*dockerclient.Client, error) {
	t := env.Transport
	switch t.Kind {
	case models.TransportSocket:
		socketPath := t.SocketPath
		if socketPath == "" {
			var err error
			socketPath, err = detectSocket()
			if err != nil {
				return nil, &TransportError{Category: CategorySocketUnavailable, Err: err}
			}
		}
		return dockerclient.NewClientWithOpts(
			dockerclient.WithHost("unix://"+socketPath),
			dockerclient.WithAPIVersionNegotiation(),
			dockerclient.WithHTTPClient(r.instrumentedClient(env.ID, unixHTTPClient(socketPath))),
		)

	case models.TransportDirect:
		httpClient, err := directHTTPClient(t)
		if err != nil {
			return nil, err
		}
		return dockerclient.NewClientWithOpts(
			dockerclient.WithHost(fmt.Sprintf("tcp://%s:%d", t.Host, t.Port)),
			dockerclient.WithAPIVersionNegotiation(),
			dockerclient.WithHTTPClient(r.instrumentedClient(env.ID, httpClient)),
		)

	case models.TransportAgentToken:
		httpClient, err := directHTTPClient(t)
		if err != nil {
			return nil, err
		}
		httpClient.Transport = &headerTransport{
			base:   httpClient.Transport,
			header: "X-Agent-Token",
			value:  t.AgentToken,
		}
		return dockerclient.NewClientWithOpts(
			dockerclient.WithHost(fmt.Sprintf("tcp://%s:%d", t.Host, t.Port)),
			dockerclient.WithAPIVersionNegotiation(),
			dockerclient.WithHTTPClient(r.instrumentedClient(env.ID, httpClient)),
		)

	case models.TransportAgentEdge:
		if r.tunnel == nil {
			return nil, errors.New("no agent gateway available for edge environment")
		}
		httpClient := &http.Client{
			Transport: &edgeTransport{tunnel: r.tunnel, environmentID: env.ID},
		}
		return dockerclient.NewClientWithOpts(
			// The host is never dialed; the edge transport tunnels every
			// request over the agent's WebSocket.
			dockerclient.WithHost("tcp://edge.invalid:2375"),
			dockerclient.WithHTTPClient(r.instrumentedClient(env.ID, httpClient)),
		)

	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}

func detectSocket() (string, error) {
	for _, candidate := range socketCandidates {
		if info, err := os.Stat(candidate); err == nil && info.Mode()&os.ModeSocket != 0 {
			return candidate, nil
		}
	}
	return "", ErrNoSocket
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func directHTTPClient(t models.Transport) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	if t.UseTLS {
		tlsConfig := &tls.Config{InsecureSkipVerify: t.TLSSkipVerify}
		if t.TLSCA != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(t.TLSCA)) {
				return nil, errors.New("invalid CA certificate")
			}
			tlsConfig.RootCAs = pool
		}
		if t.TLSCert != "" && t.TLSKey != "" {
			cert, err := tls.X509KeyPair([]byte(t.TLSCert), []byte(t.TLSKey))
			if err != nil {
				return nil, fmt.Errorf("invalid client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{Transport: transport}, nil
}

// instrumentedClient wraps the transport with timing and error
// classification.
func (r *Router) instrumentedClient(environmentID string, base *http.Client) *http.Client {
	base.Transport = &instrumentedTransport{
		base:          base.Transport,
		environmentID: environmentID,
		logger:        r.logger,
	}
	return base
}

type headerTransport struct {
	base   http.RoundTripper
	header string
	value  string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(t.header, t.value)
	return t.base.RoundTrip(req)
}

type instrumentedTransport struct {
	base          http.RoundTripper
	environmentID string
	logger        *logger.Logger
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)

	if elapsed > slowCallThreshold {
		t.logger.Warn("Slow daemon call",
			zap.String("environment_id", t.environmentID),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("elapsed", elapsed))
	}
	if err != nil {
		return nil, Classify(err)
	}
	return resp, nil
}
