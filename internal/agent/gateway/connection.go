package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dockhand/dockhand/pkg/agentproto"
)

// ErrRequestTimeout is returned when the agent does not answer in time.
var ErrRequestTimeout = errors.New("agent request timed out")

// responseWaiter resolves exactly once: with a response, an error, or
// timeout. The resolved flag guards against a late frame racing a timeout.
type responseWaiter struct {
	mu       sync.Mutex
	resolved bool
	ch       chan *agentproto.Response
	errCh    chan error
}

func newResponseWaiter() *responseWaiter {
	return &responseWaiter{
		ch:    make(chan *agentproto.Response, 1),
		errCh: make(chan error, 1),
	}
}

func (w *responseWaiter) resolve(resp *agentproto.Response) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	w.resolved = true
	w.ch <- resp
	return true
}

func (w *responseWaiter) reject(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	w.resolved = true
	w.errCh <- err
	return true
}

// streamWaiter receives the chunks of one streaming request.
type streamWaiter struct {
	mu     sync.Mutex
	closed bool
	chunks chan []byte
	done   chan error // closed stream: nil for clean end, error otherwise
}

func newStreamWaiter() *streamWaiter {
	return &streamWaiter{
		chunks: make(chan []byte, 64),
		done:   make(chan error, 1),
	}
}

func (w *streamWaiter) push(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.chunks <- data:
	default:
		// Slow consumer: drop the chunk rather than block the read loop.
	}
}

func (w *streamWaiter) finish(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.closed = true
	w.done <- err
	close(w.chunks)
	return true
}

// Connection is one live agent tunnel. At most one connection exists per
// environment; a newer hello replaces the older connection.
type Connection struct {
	EnvironmentID string
	AgentID       string
	AgentName     string
	AgentVersion  string
	Capabilities  []string
	ConnectedAt   time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	mu              sync.Mutex
	pendingRequests map[string]*responseWaiter
	pendingStreams  map[string]*streamWaiter
	execSessions    map[string]*ExecSession
	closed          bool
}

func newConnection(ws *websocket.Conn, hello *agentproto.Hello, environmentID string) *Connection {
	now := time.Now()
	return &Connection{
		EnvironmentID:   environmentID,
		AgentID:         hello.AgentID,
		AgentName:       hello.AgentName,
		AgentVersion:    hello.Version,
		Capabilities:    hello.Capabilities,
		ConnectedAt:     now,
		ws:              ws,
		lastHeartbeat:   now,
		pendingRequests: make(map[string]*responseWaiter),
		pendingStreams:  make(map[string]*streamWaiter),
		execSessions:    make(map[string]*ExecSession),
	}
}

// send writes one frame; writes are serialized because gorilla connections
// permit a single concurrent writer.
func (c *Connection) send(frame interface{}) error {
	data, err := agentproto.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errors.New("connection has no socket")
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) touchHeartbeat() {
	c.hbMu.Lock()
	c.lastHeartbeat = time.Now()
	c.hbMu.Unlock()
}

func (c *Connection) heartbeatAge() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return time.Since(c.lastHeartbeat)
}

func (c *Connection) registerRequest(requestID string) *responseWaiter {
	w := newResponseWaiter()
	c.mu.Lock()
	c.pendingRequests[requestID] = w
	c.mu.Unlock()
	return w
}

func (c *Connection) takeRequest(requestID string) *responseWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.pendingRequests[requestID]
	delete(c.pendingRequests, requestID)
	return w
}

// cancelRequest tells the agent to stop working on an abandoned request.
// Best effort: the agent may already be gone.
func (c *Connection) cancelRequest(requestID string) {
	c.send(agentproto.StreamEnd{
		Type:      agentproto.TypeStreamEnd,
		RequestID: requestID,
		Reason:    agentproto.ReasonCancelled,
	})
}

func (c *Connection) registerStream(requestID string) *streamWaiter {
	w := newStreamWaiter()
	c.mu.Lock()
	c.pendingStreams[requestID] = w
	c.mu.Unlock()
	return w
}

func (c *Connection) stream(requestID string) *streamWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingStreams[requestID]
}

func (c *Connection) takeStream(requestID string) *streamWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.pendingStreams[requestID]
	delete(c.pendingStreams, requestID)
	return w
}

// close tears down the socket and rejects every pending waiter so callers
// never hang on a vanished agent.
func (c *Connection) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	requests := c.pendingRequests
	streams := c.pendingStreams
	sessions := c.execSessions
	c.pendingRequests = make(map[string]*responseWaiter)
	c.pendingStreams = make(map[string]*streamWaiter)
	c.execSessions = make(map[string]*ExecSession)
	c.mu.Unlock()

	err := fmt.Errorf("agent connection closed: %s", reason)
	for _, w := range requests {
		w.reject(err)
	}
	for _, w := range streams {
		w.finish(err)
	}
	for _, s := range sessions {
		s.end(nil)
	}
	if c.ws != nil {
		c.ws.Close()
	}
}

func decodeBody(body string, isBinary bool) ([]byte, error) {
	if !isBinary {
		return []byte(body), nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, &agentproto.ProtocolError{Reason: "invalid base64 body"}
	}
	return data, nil
}
