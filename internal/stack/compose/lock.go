package compose

import (
	"context"
	"sync"
)

// KeyedLock serializes operations per key with FIFO fairness: each waiter
// queues behind the previous holder, so two rapid deploys of the same stack
// run in submission order while different stacks proceed in parallel.
type KeyedLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedLock creates an empty lock table.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{tails: make(map[string]chan struct{})}
}

// Lock acquires the key, waiting behind earlier holders. The returned
// release function must be called exactly once. Returns ctx.Err if the
// context is cancelled while queued; the queue position is still honored so
// later waiters are not starved.
func (l *KeyedLock) Lock(ctx context.Context, key string) (release func(), err error) {
	ticket := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = ticket
	l.mu.Unlock()

	releaseFn := func() {
		close(ticket)
		l.mu.Lock()
		if l.tails[key] == ticket {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Pass the turn along so successors behind this ticket still run.
			go func() {
				<-prev
				releaseFn()
			}()
			return nil, ctx.Err()
		}
	}
	return releaseFn, nil
}
