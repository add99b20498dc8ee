package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/pkg/agentproto"
)

func newTestGateway(t *testing.T) (*Gateway, *bus.MemoryEventBus) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	g := NewGateway(nil, eventBus, log)
	t.Cleanup(g.Shutdown)
	return g, eventBus
}

func newTestConnection(environmentID string) *Connection {
	return newConnection(nil, &agentproto.Hello{
		AgentID:   "agent-" + environmentID,
		AgentName: "test-agent",
		Version:   "1.0.0",
	}, environmentID)
}

func TestResponseWaiterResolvesOnce(t *testing.T) {
	w := newResponseWaiter()
	if !w.resolve(&agentproto.Response{RequestID: "req-1", StatusCode: 200}) {
		t.Fatal("first resolve must win")
	}
	if w.reject(errors.New("late timeout")) {
		t.Error("reject after resolve must be a no-op")
	}
	if w.resolve(&agentproto.Response{RequestID: "req-1"}) {
		t.Error("second resolve must be a no-op")
	}

	select {
	case resp := <-w.ch:
		if resp.StatusCode != 200 {
			t.Errorf("unexpected response %+v", resp)
		}
	default:
		t.Fatal("resolved response missing")
	}
	select {
	case err := <-w.errCh:
		t.Errorf("unexpected error delivery %v", err)
	default:
	}
}

func TestStreamWaiterFinishesOnce(t *testing.T) {
	w := newStreamWaiter()
	w.push([]byte("chunk"))
	if !w.finish(nil) {
		t.Fatal("first finish must win")
	}
	if w.finish(errors.New("late error")) {
		t.Error("second finish must be a no-op")
	}
	w.push([]byte("after close")) // dropped, must not panic

	if got := <-w.chunks; string(got) != "chunk" {
		t.Errorf("unexpected chunk %q", got)
	}
	if _, open := <-w.chunks; open {
		t.Error("chunk channel should be closed after finish")
	}
	if err := <-w.done; err != nil {
		t.Errorf("expected clean finish, got %v", err)
	}
	select {
	case err := <-w.done:
		t.Errorf("done delivered twice: %v", err)
	default:
	}
}

func TestResponseThenStreamEndResolvesOnce(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newTestConnection("env-1")
	w := conn.registerStream("req-1")

	if err := g.handleResponse(conn, &agentproto.Response{
		Type:       agentproto.TypeResponse,
		RequestID:  "req-1",
		StatusCode: 200,
		Body:       "ok",
	}); err != nil {
		t.Fatalf("handleResponse failed: %v", err)
	}

	// The stream already resolved; a trailing end frame is a protocol error,
	// not a second resolution.
	err := g.handleStreamEnd(conn, &agentproto.StreamEnd{
		Type:      agentproto.TypeStreamEnd,
		RequestID: "req-1",
		Reason:    "daemon unreachable",
	})
	var perr *agentproto.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error for resolved request, got %v", err)
	}

	if got := <-w.chunks; string(got) != "ok" {
		t.Errorf("unexpected chunk %q", got)
	}
	if err := <-w.done; err != nil {
		t.Errorf("expected the response resolution to stand, got %v", err)
	}
	select {
	case err := <-w.done:
		t.Errorf("stream resolved twice: %v", err)
	default:
	}
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	g, _ := newTestGateway(t)

	conn1 := newTestConnection("env-1")
	g.register(conn1)
	w := conn1.registerRequest("req-1")

	conn2 := newTestConnection("env-1")
	g.register(conn2)

	select {
	case err := <-w.errCh:
		if err == nil {
			t.Fatal("expected close error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected when connection was replaced")
	}

	current, ok := g.Connection("env-1")
	if !ok || current != conn2 {
		t.Error("replacement connection not installed")
	}
}

func TestCloseEnvironmentSeversTunnel(t *testing.T) {
	g, eventBus := newTestGateway(t)

	offline := make(chan *bus.Event, 4)
	if _, err := eventBus.Subscribe(bus.AgentSubject("env-1"), func(ctx context.Context, e *bus.Event) error {
		if online, _ := e.Data["online"].(bool); !online {
			offline <- e
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	conn := newTestConnection("env-1")
	g.register(conn)
	w := conn.registerRequest("req-1")

	g.CloseEnvironment("env-1")

	if g.IsConnected("env-1") {
		t.Error("connection still registered after environment removal")
	}
	select {
	case err := <-w.errCh:
		if err == nil {
			t.Fatal("expected close error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on environment removal")
	}
	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("agent offline status not published")
	}

	// Removing an environment without a tunnel is a no-op.
	g.CloseEnvironment("env-2")
}
