// Package gateway terminates agent WebSocket tunnels. Agents dial in,
// authenticate with a bearer token, and the server multiplexes daemon API
// requests, metrics, and container events over the single connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/agent/token"
	"github.com/dockhand/dockhand/internal/common/logger"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/pkg/agentproto"
)

const (
	helloTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	heartbeatDead     = 90 * time.Second
	defaultCallWait   = 30 * time.Second
)

// ErrAgentNotConnected is returned when no tunnel exists for an environment.
var ErrAgentNotConnected = errors.New("agent not connected")

// Gateway owns all live agent connections.
type Gateway struct {
	envs     envstore.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection // keyed by environment ID

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewGateway creates the gateway and starts its heartbeat sweep.
func NewGateway(envs envstore.Repository, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	g := &Gateway{
		envs:     envs,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "agent-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Agents authenticate with tokens, not cookies; origin checks
			// do not apply to non-browser clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*Connection),
		stopCh:      make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Shutdown closes every connection and stops the sweep loop.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.connections = make(map[string]*Connection)
	g.mu.Unlock()
	for _, c := range conns {
		c.close("server shutting down")
	}
}

// IsConnected reports whether an environment has a live tunnel.
func (g *Gateway) IsConnected(environmentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.connections[environmentID]
	return ok
}

// ConnectionCount returns the number of live agent tunnels.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// Connection returns the live tunnel for an environment, if any.
func (g *Gateway) Connection(environmentID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.connections[environmentID]
	return c, ok
}

// HandleAgentWS upgrades an agent connection and runs its read loop until
// the socket drops.
func (g *Gateway) HandleAgentWS(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("Agent upgrade failed", zap.Error(err))
		return
	}

	conn, err := g.handshake(c.Request.Context(), ws)
	if err != nil {
		g.logger.Warn("Agent handshake rejected", zap.Error(err))
		frame := agentproto.Error{Type: agentproto.TypeError, ErrorMsg: "authentication failed"}
		if data, merr := agentproto.Marshal(frame); merr == nil {
			ws.WriteMessage(websocket.TextMessage, data)
		}
		ws.Close()
		return
	}

	g.register(conn)
	g.readLoop(conn)
	g.unregister(conn)
}

// handshake reads and validates the hello frame, answering with welcome.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn) (*Connection, error) {
	ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	msgType, err := agentproto.ParseType(data)
	if err != nil {
		return nil, err
	}
	if msgType != agentproto.TypeHello {
		return nil, &agentproto.ProtocolError{Reason: "first frame must be hello"}
	}
	var hello agentproto.Hello
	if err := agentproto.Decode(data, &hello); err != nil {
		return nil, err
	}
	if hello.Token == "" {
		return nil, errors.New("hello missing token")
	}

	environmentID, err := g.authenticate(ctx, hello.Token)
	if err != nil {
		return nil, err
	}

	conn := newConnection(ws, &hello, environmentID)
	if err := conn.send(agentproto.Welcome{
		Type:          agentproto.TypeWelcome,
		EnvironmentID: environmentID,
	}); err != nil {
		return nil, fmt.Errorf("failed to send welcome: %w", err)
	}

	now := time.Now().UTC()
	obs := envmodels.AgentObservation{
		LastSeen:     &now,
		AgentID:      hello.AgentID,
		AgentName:    hello.AgentName,
		AgentVersion: hello.Version,
		Capabilities: hello.Capabilities,
	}
	if err := g.envs.UpdateAgentObservation(ctx, environmentID, obs); err != nil {
		g.logger.Warn("Failed to record agent observation",
			zap.String("environment_id", environmentID), zap.Error(err))
	}
	return conn, nil
}

// authenticate matches the plaintext token against stored hashes. The token
// prefix narrows the candidate set before the expensive hash check.
func (g *Gateway) authenticate(ctx context.Context, plaintext string) (string, error) {
	if len(plaintext) < token.PrefixLen {
		return "", errors.New("token too short")
	}
	tokens, err := g.envs.ListActiveTokens(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load tokens: %w", err)
	}
	prefix := plaintext[:token.PrefixLen]
	for _, t := range tokens {
		if t.Prefix != prefix {
			continue
		}
		if err := token.Verify(plaintext, t.Hash); err == nil {
			if err := g.envs.TouchTokenLastUsed(ctx, t.ID); err != nil {
				g.logger.Warn("Failed to touch token last used", zap.Error(err))
			}
			return t.EnvironmentID, nil
		}
	}
	return "", errors.New("unknown token")
}

// register installs the connection, replacing any previous tunnel for the
// same environment.
func (g *Gateway) register(conn *Connection) {
	g.mu.Lock()
	old := g.connections[conn.EnvironmentID]
	g.connections[conn.EnvironmentID] = conn
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("Replacing existing agent connection",
			zap.String("environment_id", conn.EnvironmentID))
		old.close("replaced by newer connection")
	}

	g.logger.Info("Agent connected",
		zap.String("environment_id", conn.EnvironmentID),
		zap.String("agent_id", conn.AgentID),
		zap.String("agent_version", conn.AgentVersion))
	g.publishAgentStatus(conn.EnvironmentID, true)
}

// unregister drops the connection if it is still the current one for its
// environment. A replaced connection leaves the replacement installed.
func (g *Gateway) unregister(conn *Connection) {
	g.mu.Lock()
	current := g.connections[conn.EnvironmentID] == conn
	if current {
		delete(g.connections, conn.EnvironmentID)
	}
	g.mu.Unlock()

	conn.close("connection ended")
	if current {
		g.logger.Info("Agent disconnected", zap.String("environment_id", conn.EnvironmentID))
		g.publishAgentStatus(conn.EnvironmentID, false)
	}
}

func (g *Gateway) publishAgentStatus(environmentID string, online bool) {
	event := bus.NewEvent("agent.status", "gateway", map[string]interface{}{
		"environment_id": environmentID,
		"online":         online,
	})
	if err := g.eventBus.Publish(context.Background(), bus.AgentSubject(environmentID), event); err != nil {
		g.logger.Warn("Failed to publish agent status", zap.Error(err))
	}
}

// readLoop dispatches frames until the socket errors. Malformed frames are
// logged and dropped; they never terminate the connection.
func (g *Gateway) readLoop(conn *Connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.touchHeartbeat()

		msgType, err := agentproto.ParseType(data)
		if err != nil {
			g.logger.Warn("Dropping malformed agent frame",
				zap.String("environment_id", conn.EnvironmentID), zap.Error(err))
			continue
		}
		if err := g.dispatch(conn, msgType, data); err != nil {
			g.logger.Warn("Dropping agent frame",
				zap.String("environment_id", conn.EnvironmentID),
				zap.String("frame_type", string(msgType)),
				zap.Error(err))
		}
	}
}

func (g *Gateway) dispatch(conn *Connection, msgType agentproto.MessageType, data []byte) error {
	switch msgType {
	case agentproto.TypeResponse:
		var resp agentproto.Response
		if err := agentproto.Decode(data, &resp); err != nil {
			return err
		}
		return g.handleResponse(conn, &resp)

	case agentproto.TypeStream:
		var chunk agentproto.Stream
		if err := agentproto.Decode(data, &chunk); err != nil {
			return err
		}
		return g.handleStream(conn, &chunk)

	case agentproto.TypeStreamEnd:
		var end agentproto.StreamEnd
		if err := agentproto.Decode(data, &end); err != nil {
			return err
		}
		return g.handleStreamEnd(conn, &end)

	case agentproto.TypeMetrics:
		var metrics agentproto.Metrics
		if err := agentproto.Decode(data, &metrics); err != nil {
			return err
		}
		return g.handleMetrics(conn, &metrics)

	case agentproto.TypeContainerEvent:
		var event agentproto.ContainerEvent
		if err := agentproto.Decode(data, &event); err != nil {
			return err
		}
		return g.handleContainerEvent(conn, &event)

	case agentproto.TypePing:
		var ping agentproto.Ping
		if err := agentproto.Decode(data, &ping); err != nil {
			return err
		}
		return conn.send(agentproto.Pong{Type: agentproto.TypePong, Timestamp: ping.Timestamp})

	case agentproto.TypePong:
		return nil // heartbeat already refreshed

	case agentproto.TypeError:
		var frame agentproto.Error
		if err := agentproto.Decode(data, &frame); err != nil {
			return err
		}
		return g.handleError(conn, &frame)

	case agentproto.TypeExecReady, agentproto.TypeExecOutput, agentproto.TypeExecEnd:
		return g.dispatchExec(conn, msgType, data)

	default:
		return &agentproto.ProtocolError{Reason: "unexpected frame type " + string(msgType)}
	}
}

// handleResponse resolves a non-streaming waiter, or finishes a stream when
// the agent answered a streaming request with a plain error response.
func (g *Gateway) handleResponse(conn *Connection, resp *agentproto.Response) error {
	if w := conn.takeRequest(resp.RequestID); w != nil {
		if !w.resolve(resp) {
			g.logger.Debug("Late response for resolved request",
				zap.String("request_id", resp.RequestID))
		}
		return nil
	}
	if w := conn.takeStream(resp.RequestID); w != nil {
		body, err := decodeBody(resp.Body, resp.IsBinary)
		if err != nil {
			w.finish(err)
			return err
		}
		if len(body) > 0 {
			w.push(body)
		}
		if resp.StatusCode >= 400 {
			w.finish(fmt.Errorf("agent returned status %d", resp.StatusCode))
		} else {
			w.finish(nil)
		}
		return nil
	}
	return &agentproto.ProtocolError{Reason: "response for unknown request " + resp.RequestID}
}

func (g *Gateway) handleStream(conn *Connection, chunk *agentproto.Stream) error {
	w := conn.stream(chunk.RequestID)
	if w == nil {
		return &agentproto.ProtocolError{Reason: "stream chunk for unknown request " + chunk.RequestID}
	}
	data, err := decodeBody(chunk.Data, chunk.IsBinary)
	if err != nil {
		return err
	}
	w.push(data)
	return nil
}

func (g *Gateway) handleStreamEnd(conn *Connection, end *agentproto.StreamEnd) error {
	w := conn.takeStream(end.RequestID)
	if w == nil {
		return &agentproto.ProtocolError{Reason: "stream end for unknown request " + end.RequestID}
	}
	if end.Reason != "" && end.Reason != agentproto.ReasonCancelled {
		w.finish(errors.New("stream ended: " + end.Reason))
	} else {
		w.finish(nil)
	}
	return nil
}

// handleMetrics republishes the agent's host report onto the event bus for
// the metrics worker.
func (g *Gateway) handleMetrics(conn *Connection, m *agentproto.Metrics) error {
	event := bus.NewEvent("agent.metrics", "gateway", map[string]interface{}{
		"environment_id": conn.EnvironmentID,
		"timestamp":      m.Timestamp,
		"cpu_usage":      m.Metrics.CPUUsage,
		"cpu_cores":      m.Metrics.CPUCores,
		"memory_total":   m.Metrics.MemoryTotal,
		"memory_used":    m.Metrics.MemoryUsed,
		"disk_total":     m.Metrics.DiskTotal,
		"disk_used":      m.Metrics.DiskUsed,
	})
	return g.eventBus.Publish(context.Background(), bus.AgentSubject(conn.EnvironmentID), event)
}

// handleContainerEvent republishes a forwarded daemon event for the event
// worker, which owns dedup and filtering.
func (g *Gateway) handleContainerEvent(conn *Connection, e *agentproto.ContainerEvent) error {
	event := bus.NewEvent("container.event", "gateway", map[string]interface{}{
		"environment_id":   conn.EnvironmentID,
		"container_id":     e.Event.ContainerID,
		"container_name":   e.Event.ContainerName,
		"image":            e.Event.Image,
		"action":           e.Event.Action,
		"actor_attributes": e.Event.ActorAttributes,
		"time_nano":        e.Event.Timestamp,
	})
	return g.eventBus.Publish(context.Background(), bus.ContainerEventSubject(conn.EnvironmentID), event)
}

func (g *Gateway) handleError(conn *Connection, frame *agentproto.Error) error {
	if frame.RequestID == "" {
		g.logger.Warn("Agent reported error",
			zap.String("environment_id", conn.EnvironmentID),
			zap.String("error", frame.ErrorMsg),
			zap.String("code", frame.Code))
		return nil
	}
	err := errors.New(frame.ErrorMsg)
	if w := conn.takeRequest(frame.RequestID); w != nil {
		w.reject(err)
		return nil
	}
	if w := conn.takeStream(frame.RequestID); w != nil {
		w.finish(err)
		return nil
	}
	return &agentproto.ProtocolError{Reason: "error for unknown request " + frame.RequestID}
}

// Call performs one request over the tunnel and waits for its response.
func (g *Gateway) Call(ctx context.Context, environmentID string, method, path string, headers map[string]string, body string) (*agentproto.Response, error) {
	conn, ok := g.Connection(environmentID)
	if !ok {
		return nil, ErrAgentNotConnected
	}

	requestID := uuid.NewString()
	w := conn.registerRequest(requestID)
	req := agentproto.Request{
		Type:      agentproto.TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	}
	if err := conn.send(req); err != nil {
		conn.takeRequest(requestID)
		return nil, fmt.Errorf("failed to send agent request: %w", err)
	}

	timeout := defaultCallWait
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case err := <-w.errCh:
		return nil, err
	case <-ctx.Done():
		if w.reject(ctx.Err()) {
			conn.takeRequest(requestID)
			conn.cancelRequest(requestID)
		}
		return nil, ctx.Err()
	case <-timer.C:
		if w.reject(ErrRequestTimeout) {
			conn.takeRequest(requestID)
			conn.cancelRequest(requestID)
		}
		return nil, ErrRequestTimeout
	}
}

// CloseEnvironment severs the tunnel for a removed environment and rejects
// its pending waiters.
func (g *Gateway) CloseEnvironment(environmentID string) {
	g.mu.Lock()
	conn := g.connections[environmentID]
	delete(g.connections, environmentID)
	g.mu.Unlock()

	if conn == nil {
		return
	}
	g.logger.Info("Closing agent connection for removed environment",
		zap.String("environment_id", environmentID))
	conn.close("environment deleted")
	g.publishAgentStatus(environmentID, false)
}

// StreamCall performs a streaming request; the returned reader yields chunks
// until the agent ends the stream. Closing the reader cancels the stream.
func (g *Gateway) StreamCall(ctx context.Context, environmentID string, method, path string, headers map[string]string) (io.ReadCloser, error) {
	conn, ok := g.Connection(environmentID)
	if !ok {
		return nil, ErrAgentNotConnected
	}

	requestID := uuid.NewString()
	w := conn.registerStream(requestID)
	req := agentproto.Request{
		Type:      agentproto.TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Streaming: true,
	}
	if err := conn.send(req); err != nil {
		conn.takeStream(requestID)
		return nil, fmt.Errorf("failed to send agent stream request: %w", err)
	}

	return &StreamReader{
		conn:      conn,
		waiter:    w,
		requestID: requestID,
	}, nil
}

// sweepLoop pings every connection on an interval and drops connections
// whose last heartbeat is too old.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Gateway) sweep() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	now := time.Now().UnixMilli()
	for _, conn := range conns {
		if conn.heartbeatAge() > heartbeatDead {
			g.logger.Warn("Agent heartbeat expired, closing connection",
				zap.String("environment_id", conn.EnvironmentID),
				zap.Duration("age", conn.heartbeatAge()))
			conn.close("heartbeat expired")
			g.unregister(conn)
			continue
		}
		if err := conn.send(agentproto.Ping{Type: agentproto.TypePing, Timestamp: now}); err != nil {
			g.logger.Warn("Failed to ping agent",
				zap.String("environment_id", conn.EnvironmentID), zap.Error(err))
		}
	}
}
