package compose

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	release1, err := l.Lock(ctx, "stack-a")
	if err != nil {
		t.Fatalf("first Lock failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		release2, err := l.Lock(ctx, "stack-a")
		if err != nil {
			t.Errorf("second Lock failed: %v", err)
			return
		}
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release1()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected holder before waiter, got %v", order)
	}
}

func TestKeyedLockDifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	release1, err := l.Lock(ctx, "stack-a")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := l.Lock(ctx, "stack-b")
		if err != nil {
			t.Errorf("Lock on other key failed: %v", err)
		} else {
			release2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedLockFIFOOrder(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	release, err := l.Lock(ctx, "stack")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Lock(ctx, "stack")
			if err != nil {
				t.Errorf("waiter %d failed: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// Give each waiter time to queue before the next one.
		time.Sleep(10 * time.Millisecond)
	}

	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestKeyedLockCancelledWaiterDoesNotStarve(t *testing.T) {
	l := NewKeyedLock()

	release1, err := l.Lock(context.Background(), "stack")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Lock(cancelCtx, "stack"); err == nil {
		t.Fatal("expected context error for cancelled waiter")
	}

	// A third waiter queued behind the cancelled one must still acquire.
	done := make(chan struct{})
	go func() {
		r, err := l.Lock(context.Background(), "stack")
		if err != nil {
			t.Errorf("successor Lock failed: %v", err)
		} else {
			r()
		}
		close(done)
	}()

	release1()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("successor starved behind cancelled waiter")
	}
}
