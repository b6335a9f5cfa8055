package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker for single-node deployments and tests.
type Local struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal creates an in-process locker. wait bounds how long Acquire
// blocks (0 = until ctx is done).
func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, slots: make(map[string]chan struct{})}
}

func (l *Local) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[name] = ch
	}
	return ch
}

// Acquire blocks until the named lock is free
func (l *Local) Acquire(ctx context.Context, name string) (Handle, error) {
	ch := l.slot(name)

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return &localHandle{ch: ch}, nil
	case <-timeout:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localHandle struct {
	mu       sync.Mutex
	ch       chan struct{}
	released bool
}

func (h *localHandle) Release(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrNotHeld
	}
	h.released = true
	<-h.ch
	return nil
}
