// Package limiter bounds how many host sessions are connecting or running
// at once.
package limiter

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Limiter is a ticket pool with a fixed capacity. Acquire suspends the
// caller while the pool is empty; the runtime wakes blocked acquirers in
// FIFO order, which keeps admission close to submission order and rules
// out starvation.
type Limiter struct {
	slots chan struct{}
}

// Ticket is one unit of admission. Release it exactly once.
type Ticket struct {
	l        *Limiter
	released atomic.Bool
}

// New creates a Limiter admitting at most max concurrent holders.
func New(max int) (*Limiter, error) {
	if max < 1 {
		return nil, fmt.Errorf("concurrency ceiling must be at least 1, got %d", max)
	}
	l := &Limiter{slots: make(chan struct{}, max)}
	for i := 0; i < max; i++ {
		l.slots <- struct{}{}
	}
	return l, nil
}

// Acquire takes a ticket, suspending while the pool is at capacity. It
// returns the context error if ctx is cancelled first.
func (l *Limiter) Acquire(ctx context.Context) (*Ticket, error) {
	select {
	case <-l.slots:
		return &Ticket{l: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes a ticket only if one is immediately available.
func (l *Limiter) TryAcquire() (*Ticket, bool) {
	select {
	case <-l.slots:
		return &Ticket{l: l}, true
	default:
		return nil, false
	}
}

// Release returns the ticket to the pool, admitting the next waiter if one
// exists. Releasing twice is a no-op so a deferred Release is always safe.
func (t *Ticket) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.l.slots <- struct{}{}
}

// Available reports how many tickets are currently free.
func (l *Limiter) Available() int {
	return len(l.slots)
}

// Capacity reports the configured ceiling.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
