package compose

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllSettledRunsEveryOp(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	var ran atomic.Int64
	if err := allSettled(ids, func(id string) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("allSettled failed: %v", err)
	}
	if ran.Load() != int64(len(ids)) {
		t.Errorf("expected %d ops, ran %d", len(ids), ran.Load())
	}
}

func TestAllSettledJoinsFailuresWithoutShortCircuit(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int64
	err := allSettled([]string{"a", "b", "c"}, func(id string) error {
		ran.Add(1)
		if id == "b" {
			return boom
		}
		return nil
	})
	if ran.Load() != 3 {
		t.Errorf("expected every op attempted, ran %d", ran.Load())
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to carry the failure, got %v", err)
	}
}

func TestAllSettledRunsConcurrently(t *testing.T) {
	// Each op blocks until all have started; sequential execution would
	// deadlock, so a finishing run proves parallel fan-out.
	var started sync.WaitGroup
	started.Add(3)
	done := make(chan error, 1)
	go func() {
		done <- allSettled([]string{"a", "b", "c"}, func(id string) error {
			started.Done()
			started.Wait()
			return nil
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("allSettled failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ops did not run concurrently")
	}
}
