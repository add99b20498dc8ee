// Package supervisor runs the collection workers as child processes and
// restarts them when they die. Keeping event and metrics collection out of
// the server process isolates daemon hiccups and keeps their GC pressure
// away from request handling.
package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/workers/ipc"
)

const (
	initialBackoff = 5 * time.Second
	maxRestarts    = 10
	// stableRun resets the restart counter: a worker that survived this
	// long is considered healthy again.
	stableRun = 2 * time.Minute

	shutdownGrace = 10 * time.Second
)

// child is one supervised worker process.
type child struct {
	name string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    *ipc.Writer
	restarts int
	lastIPC  ipc.StatusData
}

// Supervisor spawns and babysits worker processes.
type Supervisor struct {
	executable string
	extraArgs  []string
	pidDir     string
	eventBus   bus.EventBus
	logger     *logger.Logger

	mu       sync.Mutex
	children map[string]*child
	wg       sync.WaitGroup
}

// New creates a supervisor that re-executes the current binary with
// "worker <name>" plus extraArgs (config flags) for each child. Events the
// workers forward over IPC are re-published on eventBus. Child PIDs are
// persisted under pidDir so workers orphaned by a crashed server are
// reaped on the next startup; empty pidDir disables the pidfiles.
func New(eventBus bus.EventBus, pidDir string, extraArgs []string, log *logger.Logger) (*Supervisor, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		executable: executable,
		extraArgs:  extraArgs,
		pidDir:     pidDir,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "worker-supervisor")),
		children:   make(map[string]*child),
	}
	s.reapStale()
	return s, nil
}

// Start launches a named worker and keeps it running until ctx is done.
func (s *Supervisor) Start(ctx context.Context, name string) {
	c := &child{name: name}
	s.mu.Lock()
	s.children[name] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, c)
	}()
}

// Wait blocks until every supervised worker has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Refresh tells every worker that environment config changed.
func (s *Supervisor) Refresh(environmentID string) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	data := ipc.RefreshData{EnvironmentID: environmentID}
	for _, c := range children {
		c.mu.Lock()
		stdin := c.stdin
		c.mu.Unlock()
		if stdin == nil {
			continue
		}
		if err := stdin.Send(ipc.TypeRefresh, data); err != nil {
			s.logger.Warn("Failed to send refresh to worker",
				zap.String("worker", c.name), zap.Error(err))
		}
	}
}

// Status returns the last heartbeat from each worker.
func (s *Supervisor) Status() map[string]ipc.StatusData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ipc.StatusData, len(s.children))
	for name, c := range s.children {
		c.mu.Lock()
		out[name] = c.lastIPC
		c.mu.Unlock()
	}
	return out
}

// runLoop spawns the child, restarts on exit with exponential backoff, and
// gives up after too many consecutive fast failures.
func (s *Supervisor) runLoop(ctx context.Context, c *child) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := s.runOnce(ctx, c)
		uptime := time.Since(started)

		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if uptime >= stableRun {
			c.restarts = 0
			backoff = initialBackoff
		}
		c.restarts++
		restarts := c.restarts
		c.mu.Unlock()

		if restarts > maxRestarts {
			s.logger.Error("Worker exceeded restart limit, giving up",
				zap.String("worker", c.name),
				zap.Int("restarts", restarts-1))
			return
		}

		s.logger.Warn("Worker exited, restarting",
			zap.String("worker", c.name),
			zap.Duration("uptime", uptime),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// runOnce spawns the worker and pumps its IPC stream until it exits. On
// context cancellation the worker gets a shutdown message and a grace
// period before being killed.
func (s *Supervisor) runOnce(ctx context.Context, c *child) error {
	args := append([]string{"worker", c.name}, s.extraArgs...)
	cmd := exec.Command(s.executable, args...)
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	s.logger.Info("Worker started",
		zap.String("worker", c.name), zap.Int("pid", cmd.Process.Pid))
	s.writePID(c.name, cmd.Process.Pid)
	defer s.clearPID(c.name)

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = ipc.NewWriter(stdinPipe)
	c.mu.Unlock()

	// Drain IPC until the pipe closes.
	ipcDone := make(chan struct{})
	go func() {
		defer close(ipcDone)
		reader := ipc.NewReader(stdoutPipe)
		for {
			msg, err := reader.Next()
			if err != nil {
				return
			}
			s.handleIPC(c, msg)
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		<-ipcDone
		return err
	case <-ctx.Done():
		c.mu.Lock()
		stdin := c.stdin
		c.stdin = nil
		c.mu.Unlock()
		if stdin != nil {
			stdin.Send(ipc.TypeShutdown, nil)
		}
		select {
		case <-waitErr:
		case <-time.After(shutdownGrace):
			s.logger.Warn("Worker did not exit in time, killing",
				zap.String("worker", c.name))
			cmd.Process.Kill()
			<-waitErr
		}
		return ctx.Err()
	}
}

func (s *Supervisor) handleIPC(c *child, msg *ipc.Message) {
	switch msg.Type {
	case ipc.TypeReady:
		s.logger.Info("Worker ready", zap.String("worker", c.name))
	case ipc.TypeStatus:
		var status ipc.StatusData
		if err := decodeData(msg, &status); err != nil {
			return
		}
		c.mu.Lock()
		c.lastIPC = status
		c.mu.Unlock()
	case ipc.TypeEvent:
		var data ipc.EventData
		if err := decodeData(msg, &data); err != nil || data.Subject == "" || data.Event == nil {
			return
		}
		// Metric and event rows are persisted by the worker's own database
		// handle; re-publishing here reaches the server's bus subscribers,
		// the notifier included.
		if err := s.eventBus.Publish(context.Background(), data.Subject, data.Event); err != nil {
			s.logger.Warn("Failed to re-publish worker event",
				zap.String("worker", c.name),
				zap.String("subject", data.Subject),
				zap.Error(err))
		}
	}
}

func decodeData(msg *ipc.Message, v interface{}) error {
	if msg.Data == nil {
		return nil
	}
	return json.Unmarshal(msg.Data, v)
}
