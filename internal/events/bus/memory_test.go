package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	return NewMemoryEventBus(logger.Default())
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishExactSubject(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	if _, err := b.Subscribe(SubjectEnvStatus, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("environment.status", "test", map[string]interface{}{"online": true})
	if err := b.Publish(context.Background(), SubjectEnvStatus, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitEvent(t, received)
	if got.Type != "environment.status" {
		t.Errorf("unexpected event type %q", got.Type)
	}
}

func TestWildcardSingleToken(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	if _, err := b.Subscribe("events.container.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "events.container.env-1", NewEvent("container.event", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitEvent(t, received)

	// * must not span dots.
	if err := b.Publish(context.Background(), "events.container.env-1.extra", NewEvent("container.event", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-received:
		t.Error("single-token wildcard matched a multi-token suffix")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardRest(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	if _, err := b.Subscribe("events.agent.>", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, subject := range []string{"events.agent.env-1", "events.agent.env-1.metrics"} {
		if err := b.Publish(context.Background(), subject, NewEvent("agent.metrics", "test", nil)); err != nil {
			t.Fatalf("Publish to %s failed: %v", subject, err)
		}
		waitEvent(t, received)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var count atomic.Int64
	sub, err := b.Subscribe("events.audit", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after Unsubscribe")
	}

	if err := b.Publish(context.Background(), "events.audit", NewEvent("audit", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("handler ran %d times after unsubscribe", count.Load())
	}
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var count atomic.Int64
	done := make(chan struct{}, 2)
	handler := func(ctx context.Context, e *Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	}
	if _, err := b.QueueSubscribe("events.audit", "workers", handler); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if _, err := b.QueueSubscribe("events.audit", "workers", handler); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "events.audit", NewEvent("audit", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-done
	time.Sleep(100 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("expected exactly one delivery to the queue group, got %d", count.Load())
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	if b.IsConnected() {
		t.Error("expected IsConnected() = false after Close")
	}
	if err := b.Publish(context.Background(), "events.audit", NewEvent("audit", "test", nil)); err == nil {
		t.Error("expected error publishing on a closed bus")
	}
}
