package readthrough

import (
	"context"
	"errors"
	"sync"
)

// errAbandoned is what waiters see if the running call panics.
var errAbandoned = errors.New("readthrough: in-flight call did not return")

// InFlightRegistry coalesces concurrent work per key. While a call for a key
// is running, later callers for the same key wait for it and share its
// result. The entry is removed the moment the call settles, so the next
// caller after that starts fresh work.
//
// Unlike a bare singleflight.Group, waiters honour their own context: a
// waiter that gives up returns ctx.Err() without affecting the running call
// or the other waiters.
type InFlightRegistry[V any] struct {
	mu    sync.Mutex
	calls map[string]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry[V any]() *InFlightRegistry[V] {
	return &InFlightRegistry[V]{calls: make(map[string]*call[V])}
}

// Do runs fn once per overlapping window for key. shared reports whether the
// result came from another caller's execution.
func (r *InFlightRegistry[V]) Do(ctx context.Context, key string, fn func() (V, error)) (val V, shared bool, err error) {
	r.mu.Lock()
	if c, ok := r.calls[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{}), err: errAbandoned}
	r.calls[key] = c
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.calls, key)
		r.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	return c.val, false, c.err
}

// InFlight returns the number of keys with a running call.
func (r *InFlightRegistry[V]) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
