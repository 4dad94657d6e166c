// Package mux provides the output multiplexer: many concurrent sessions
// submit host-attributed chunks and lifecycle events, a single consumer
// drains them as one ordered stream.
package mux

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cwt/ananta/internal/events"
)

const (
	// DefaultQueueSize bounds the number of in-flight events.
	DefaultQueueSize = 1024

	// DefaultMaxPendingBytes bounds the payload bytes buffered ahead of the
	// consumer. Producers suspend rather than drop when the budget is spent.
	DefaultMaxPendingBytes = 8 << 20
)

// Options configures a Multiplexer.
type Options struct {
	// QueueSize is the event queue capacity; 0 means DefaultQueueSize.
	QueueSize int

	// MaxPendingBytes is the payload byte budget; 0 means
	// DefaultMaxPendingBytes, negative disables the bound entirely.
	MaxPendingBytes int64
}

// Multiplexer serializes concurrently submitted events into a single
// ordered stream. Each event is delivered whole: concurrent submissions
// are never merged or torn. Per-host submission order is preserved because
// the queue is FIFO; cross-host order is whatever interleaving the
// submissions produced.
//
// Backpressure: chunk payloads draw from a byte budget that the consumer
// returns via Done. A slow consumer therefore suspends producers instead
// of losing data. Lifecycle events are exempt from the budget so a full
// buffer can never prevent a host from reporting its terminal state.
type Multiplexer struct {
	ch     chan events.Event
	budget *semaphore.Weighted
	max    int64

	mu     sync.Mutex
	closed bool
}

// New creates a Multiplexer with the given options.
func New(opts Options) *Multiplexer {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	m := &Multiplexer{
		ch: make(chan events.Event, size),
	}
	switch {
	case opts.MaxPendingBytes < 0:
		// Unbounded: queue capacity is the only limit.
	case opts.MaxPendingBytes == 0:
		m.max = DefaultMaxPendingBytes
		m.budget = semaphore.NewWeighted(m.max)
	default:
		m.max = opts.MaxPendingBytes
		m.budget = semaphore.NewWeighted(m.max)
	}
	return m
}

// Submit enqueues one event. It may suspend the caller when the byte
// budget is exhausted or the queue is full, and returns the context error
// if ctx is cancelled while waiting. Lifecycle events ignore the byte
// budget and only wait for queue space.
func (m *Multiplexer) Submit(ctx context.Context, ev events.Event) error {
	weight := m.chunkWeight(ev)
	if weight > 0 {
		if err := m.budget.Acquire(ctx, weight); err != nil {
			return fmt.Errorf("multiplexer submit: %w", err)
		}
	}

	select {
	case m.ch <- ev:
		return nil
	case <-ctx.Done():
		if weight > 0 {
			m.budget.Release(weight)
		}
		return fmt.Errorf("multiplexer submit: %w", ctx.Err())
	}
}

// Events returns the ordered stream. Exactly one consumer must range over
// it; the channel closes after Close once all buffered events are drained.
func (m *Multiplexer) Events() <-chan events.Event {
	return m.ch
}

// Done returns the byte budget held by a chunk after the consumer has
// rendered or forwarded it. Calling Done for every consumed chunk is what
// lets suspended producers resume.
func (m *Multiplexer) Done(ev events.Event) {
	if weight := m.chunkWeight(ev); weight > 0 {
		m.budget.Release(weight)
	}
}

// Close marks the end of the stream. All previously submitted events are
// still delivered. Submitting after Close is a programming error and
// panics, the same way a send on a closed channel would.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// chunkWeight returns the budget weight for an event, clamped to the
// budget size so an oversized chunk cannot deadlock.
func (m *Multiplexer) chunkWeight(ev events.Event) int64 {
	if m.budget == nil || ev.Kind != events.KindChunk {
		return 0
	}
	w := int64(len(ev.Payload))
	if w > m.max {
		w = m.max
	}
	return w
}
