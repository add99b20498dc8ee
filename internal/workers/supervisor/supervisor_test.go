package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/workers/ipc"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *bus.MemoryEventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	s, err := New(eventBus, t.TempDir(), nil, logger.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, eventBus
}

func eventMessage(t *testing.T, subject string, event *bus.Event) *ipc.Message {
	t.Helper()
	data, err := json.Marshal(ipc.EventData{Subject: subject, Event: event})
	if err != nil {
		t.Fatalf("failed to marshal event data: %v", err)
	}
	return &ipc.Message{Type: ipc.TypeEvent, Data: data}
}

func TestHandleIPCRepublishesWorkerEvents(t *testing.T) {
	s, eventBus := newTestSupervisor(t)

	received := make(chan *bus.Event, 1)
	if _, err := eventBus.Subscribe(bus.SubjectEnvStatus, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := bus.NewEvent("environment.status", "event-worker", map[string]interface{}{
		"environment_id": "env-1",
		"name":           "prod",
		"online":         false,
	})
	s.handleIPC(&child{name: "events"}, eventMessage(t, bus.SubjectEnvStatus, event))

	select {
	case got := <-received:
		if got.Type != "environment.status" {
			t.Errorf("unexpected event type %q", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded event never reached the server bus")
	}
}

func TestHandleIPCIgnoresMalformedEvents(t *testing.T) {
	s, eventBus := newTestSupervisor(t)

	delivered := make(chan *bus.Event, 2)
	if _, err := eventBus.Subscribe("events.>", func(ctx context.Context, e *bus.Event) error {
		delivered <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	c := &child{name: "metrics"}
	s.handleIPC(c, &ipc.Message{Type: ipc.TypeEvent, Data: json.RawMessage(`{not json`)})
	s.handleIPC(c, eventMessage(t, "", bus.NewEvent("environment.status", "w", nil)))
	s.handleIPC(c, eventMessage(t, bus.SubjectEnvStatus, nil))

	select {
	case e := <-delivered:
		t.Errorf("malformed frame was republished: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleIPCStatusUpdatesChild(t *testing.T) {
	s, _ := newTestSupervisor(t)

	c := &child{name: "events"}
	s.mu.Lock()
	s.children["events"] = c
	s.mu.Unlock()

	data, _ := json.Marshal(ipc.StatusData{Worker: "events", Environments: 3, Processed: 42})
	s.handleIPC(c, &ipc.Message{Type: ipc.TypeStatus, Data: data})

	status := s.Status()["events"]
	if status.Environments != 3 || status.Processed != 42 {
		t.Errorf("unexpected status %+v", status)
	}
}
