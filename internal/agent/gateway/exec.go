package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/dockhand/pkg/agentproto"
)

const execReadyTimeout = 15 * time.Second

// ExecSession is one interactive terminal tunneled through an agent.
type ExecSession struct {
	ID          string
	ContainerID string

	conn   *Connection
	ready  chan struct{}
	output chan agentproto.ExecOutput

	mu       sync.Mutex
	ended    bool
	exitCode *int
	done     chan struct{}
}

// Output yields terminal output frames until the session ends.
func (s *ExecSession) Output() <-chan agentproto.ExecOutput {
	return s.output
}

// Done is closed when the session ends.
func (s *ExecSession) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the command's exit code, if the agent reported one.
func (s *ExecSession) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// SendInput forwards terminal input to the agent.
func (s *ExecSession) SendInput(data string) error {
	return s.conn.send(agentproto.ExecInput{
		Type:      agentproto.TypeExecInput,
		SessionID: s.ID,
		Data:      data,
	})
}

// Resize changes the remote terminal dimensions.
func (s *ExecSession) Resize(cols, rows uint) error {
	return s.conn.send(agentproto.ExecResize{
		Type:      agentproto.TypeExecResize,
		SessionID: s.ID,
		Cols:      cols,
		Rows:      rows,
	})
}

// Close terminates the session from the server side.
func (s *ExecSession) Close() error {
	s.conn.mu.Lock()
	delete(s.conn.execSessions, s.ID)
	s.conn.mu.Unlock()
	s.end(nil)
	return s.conn.send(agentproto.ExecEnd{
		Type:      agentproto.TypeExecEnd,
		SessionID: s.ID,
	})
}

func (s *ExecSession) end(exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.exitCode = exitCode
	close(s.output)
	close(s.done)
}

func (s *ExecSession) push(out agentproto.ExecOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.output <- out:
	default:
		// Slow consumer: drop rather than stall the read loop.
	}
}

// StartExec opens a terminal session on a container behind an agent and
// waits for the agent to attach.
func (g *Gateway) StartExec(ctx context.Context, environmentID, containerID string, cmd []string, tty bool) (*ExecSession, error) {
	conn, ok := g.Connection(environmentID)
	if !ok {
		return nil, ErrAgentNotConnected
	}

	session := &ExecSession{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		conn:        conn,
		ready:       make(chan struct{}),
		output:      make(chan agentproto.ExecOutput, 64),
		done:        make(chan struct{}),
	}
	conn.mu.Lock()
	conn.execSessions[session.ID] = session
	conn.mu.Unlock()

	err := conn.send(agentproto.ExecStart{
		Type:        agentproto.TypeExecStart,
		SessionID:   session.ID,
		ContainerID: containerID,
		Cmd:         cmd,
		TTY:         tty,
	})
	if err != nil {
		conn.mu.Lock()
		delete(conn.execSessions, session.ID)
		conn.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(execReadyTimeout)
	defer timer.Stop()
	select {
	case <-session.ready:
		return session, nil
	case <-session.done:
		return nil, errors.New("exec session ended before attaching")
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	case <-timer.C:
		session.Close()
		return nil, errors.New("exec session attach timed out")
	}
}

func (g *Gateway) dispatchExec(conn *Connection, msgType agentproto.MessageType, data []byte) error {
	switch msgType {
	case agentproto.TypeExecReady:
		var frame agentproto.ExecReady
		if err := agentproto.Decode(data, &frame); err != nil {
			return err
		}
		session := conn.execSession(frame.SessionID)
		if session == nil {
			return &agentproto.ProtocolError{Reason: "exec ready for unknown session " + frame.SessionID}
		}
		select {
		case <-session.ready:
		default:
			close(session.ready)
		}
		return nil

	case agentproto.TypeExecOutput:
		var frame agentproto.ExecOutput
		if err := agentproto.Decode(data, &frame); err != nil {
			return err
		}
		session := conn.execSession(frame.SessionID)
		if session == nil {
			return &agentproto.ProtocolError{Reason: "exec output for unknown session " + frame.SessionID}
		}
		session.push(frame)
		return nil

	case agentproto.TypeExecEnd:
		var frame agentproto.ExecEnd
		if err := agentproto.Decode(data, &frame); err != nil {
			return err
		}
		conn.mu.Lock()
		session := conn.execSessions[frame.SessionID]
		delete(conn.execSessions, frame.SessionID)
		conn.mu.Unlock()
		if session == nil {
			return &agentproto.ProtocolError{Reason: "exec end for unknown session " + frame.SessionID}
		}
		session.end(frame.ExitCode)
		return nil
	}
	return nil
}

func (c *Connection) execSession(sessionID string) *ExecSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execSessions[sessionID]
}
