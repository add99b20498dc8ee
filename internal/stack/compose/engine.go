// Package compose runs compose lifecycle operations against every
// environment, serializing per-stack work and materializing compose files
// under the data directory.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/router"
	"github.com/dockhand/dockhand/internal/stack/models"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
)

// ErrInvalidStackName rejects names that could escape the stacks directory.
var ErrInvalidStackName = errors.New("invalid stack name")

// Options tune one engine instance.
type Options struct {
	StacksDir string
	Timeout   time.Duration // whole-operation budget
	KillGrace time.Duration // SIGTERM to SIGKILL escalation
}

// UpOptions modify an up operation.
type UpOptions struct {
	ForceRecreate bool
}

// DownOptions modify a down operation.
type DownOptions struct {
	RemoveVolumes bool
}

// Engine executes compose operations.
type Engine struct {
	stacksDir string
	timeout   time.Duration
	killGrace time.Duration

	locks  *KeyedLock
	router *router.Router
	tunnel router.Tunnel
	stacks stackstore.Repository
	logger *logger.Logger
}

// NewEngine creates a compose engine. tunnel may be nil when no gateway is
// running.
func NewEngine(opts Options, rt *router.Router, tunnel router.Tunnel, stacks stackstore.Repository, log *logger.Logger) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Engine{
		stacksDir: opts.StacksDir,
		timeout:   opts.Timeout,
		killGrace: opts.KillGrace,
		locks:     NewKeyedLock(),
		router:    rt,
		tunnel:    tunnel,
		stacks:    stacks,
		logger:    log.WithFields(zap.String("component", "compose-engine")),
	}
}

func lockKey(environmentID, stackName string) string {
	return environmentID + "/" + stackName
}

// Up deploys a stack: `up -d --remove-orphans`, optionally forcing
// container recreation.
func (e *Engine) Up(ctx context.Context, env *envmodels.Environment, stackName string, opts UpOptions) (string, error) {
	return e.run(ctx, env, stackName, UpArgs(stackName, ComposeFileName, opts.ForceRecreate))
}

// Down tears a stack down, optionally removing its volumes.
func (e *Engine) Down(ctx context.Context, env *envmodels.Environment, stackName string, opts DownOptions) (string, error) {
	return e.run(ctx, env, stackName, DownArgs(stackName, ComposeFileName, opts.RemoveVolumes))
}

// Stop stops a stack's containers without removing them.
func (e *Engine) Stop(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	return e.run(ctx, env, stackName, simpleArgs(stackName, ComposeFileName, "stop"))
}

// Start starts a stopped stack.
func (e *Engine) Start(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	return e.run(ctx, env, stackName, simpleArgs(stackName, ComposeFileName, "start"))
}

// Restart restarts a stack's containers.
func (e *Engine) Restart(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	return e.run(ctx, env, stackName, simpleArgs(stackName, ComposeFileName, "restart"))
}

// Pull fetches the stack's images without touching containers.
func (e *Engine) Pull(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	return e.run(ctx, env, stackName, simpleArgs(stackName, ComposeFileName, "pull"))
}

// UpArgs assembles the argv for a deploy.
func UpArgs(project, file string, forceRecreate bool) []string {
	args := append(composeBinary(), "-p", project, "-f", file, "up", "-d", "--remove-orphans")
	if forceRecreate {
		args = append(args, "--force-recreate")
	}
	return args
}

// DownArgs assembles the argv for a teardown.
func DownArgs(project, file string, removeVolumes bool) []string {
	args := append(composeBinary(), "-p", project, "-f", file, "down")
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return args
}

func simpleArgs(project, file, verb string) []string {
	return append(composeBinary(), "-p", project, "-f", file, verb)
}

// run acquires the stack lock and dispatches the operation either to a
// local compose process or through the agent tunnel.
func (e *Engine) run(ctx context.Context, env *envmodels.Environment, stackName string, args []string) (string, error) {
	if !models.ValidName(stackName) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStackName, stackName)
	}

	release, err := e.locks.Lock(ctx, lockKey(env.ID, stackName))
	if err != nil {
		return "", err
	}
	defer release()

	start := time.Now()
	e.logger.Info("Running compose operation",
		zap.String("environment_id", env.ID),
		zap.String("stack", stackName),
		zap.Strings("args", args[len(composeBinary()):]))

	var output string
	if usesTunnel(env) {
		output, err = e.runTunneled(ctx, env, stackName, args)
	} else {
		output, err = e.runLocal(ctx, env, stackName, args)
	}

	if err != nil {
		e.logger.Error("Compose operation failed",
			zap.String("environment_id", env.ID),
			zap.String("stack", stackName),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return output, err
	}
	e.logger.Info("Compose operation finished",
		zap.String("environment_id", env.ID),
		zap.String("stack", stackName),
		zap.Duration("elapsed", time.Since(start)))
	return output, nil
}

// usesTunnel reports whether compose must run on the agent side: the
// compose CLI cannot attach auth headers or tunnel over WebSockets.
func usesTunnel(env *envmodels.Environment) bool {
	kind := env.Transport.Kind
	return kind == envmodels.TransportAgentEdge || kind == envmodels.TransportAgentToken
}

func (e *Engine) runLocal(ctx context.Context, env *envmodels.Environment, stackName string, args []string) (string, error) {
	dir := e.StackDir(env.ID, stackName)
	if _, err := os.Stat(filepath.Join(dir, ComposeFileName)); err != nil {
		return "", fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	}

	procEnv, err := e.buildEnv(ctx, env, stackName)
	if err != nil {
		return "", err
	}
	return e.runCommand(ctx, dir, procEnv, args)
}

// buildEnv layers the compose process environment: the server's own
// environment, then daemon connection variables, then database-managed
// stack variables. Database variables come last so they win over both the
// process environment and any .env file compose reads from the stack dir.
func (e *Engine) buildEnv(ctx context.Context, env *envmodels.Environment, stackName string) ([]string, error) {
	out := processEnv()

	hostEnv, err := e.daemonEnv(env)
	if err != nil {
		return nil, err
	}
	out = append(out, hostEnv...)

	vars, err := e.stacks.ListEnvVars(ctx, stackName, env.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range vars {
		out = append(out, v.Key+"="+v.Value)
	}
	return out, nil
}

// daemonEnv produces DOCKER_HOST and TLS material for local transports.
func (e *Engine) daemonEnv(env *envmodels.Environment) ([]string, error) {
	t := env.Transport
	switch t.Kind {
	case envmodels.TransportSocket:
		if t.SocketPath != "" {
			return []string{"DOCKER_HOST=unix://" + t.SocketPath}, nil
		}
		return nil, nil // compose uses the default socket

	case envmodels.TransportDirect:
		out := []string{fmt.Sprintf("DOCKER_HOST=tcp://%s:%d", t.Host, t.Port)}
		if t.UseTLS {
			certDir, err := e.materializeCerts(env)
			if err != nil {
				return nil, err
			}
			out = append(out, "DOCKER_TLS_VERIFY=1", "DOCKER_CERT_PATH="+certDir)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("transport %q cannot run compose locally", t.Kind)
	}
}

// materializeCerts writes the environment's TLS material where the docker
// CLI expects it (ca.pem, cert.pem, key.pem).
func (e *Engine) materializeCerts(env *envmodels.Environment) (string, error) {
	dir := filepath.Join(e.stacksDir, ".certs", env.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create cert directory: %w", err)
	}
	files := map[string]string{
		"ca.pem":   env.Transport.TLSCA,
		"cert.pem": env.Transport.TLSCert,
		"key.pem":  env.Transport.TLSKey,
	}
	for name, content := range files {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return dir, nil
}

// tunnelComposeRequest is the payload forwarded to agents that run compose
// next to their daemon.
type tunnelComposeRequest struct {
	Project string            `json:"project"`
	Args    []string          `json:"args"`
	Compose string            `json:"compose"`
	Env     map[string]string `json:"env,omitempty"`
}

type tunnelComposeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// runTunneled ships the compose file and argv to the agent for execution.
func (e *Engine) runTunneled(ctx context.Context, env *envmodels.Environment, stackName string, args []string) (string, error) {
	if e.tunnel == nil || !e.tunnel.IsConnected(env.ID) {
		return "", fmt.Errorf("environment %s: agent not connected", env.ID)
	}

	content, err := e.ReadComposeFile(env.ID, stackName)
	if err != nil {
		return "", err
	}
	vars, err := e.stacks.ListEnvVars(ctx, stackName, env.ID)
	if err != nil {
		return "", err
	}
	envMap := make(map[string]string, len(vars))
	for _, v := range vars {
		envMap[v.Key] = v.Value
	}

	payload, err := json.Marshal(tunnelComposeRequest{
		Project: stackName,
		Args:    args[len(composeBinary()):],
		Compose: content,
		Env:     envMap,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal compose request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.tunnel.Call(callCtx, env.ID, "POST", "/_agent/compose",
		map[string]string{"Content-Type": "application/json"}, string(payload))
	if err != nil {
		return "", err
	}

	var result tunnelComposeResponse
	if err := json.Unmarshal([]byte(resp.Body), &result); err != nil {
		return "", fmt.Errorf("failed to decode compose response: %w", err)
	}
	if resp.StatusCode >= 400 || result.Error != "" {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("agent returned status %d", resp.StatusCode)
		}
		return result.Output, errors.New(msg)
	}
	return result.Output, nil
}
