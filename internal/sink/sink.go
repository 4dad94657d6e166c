// Package sink defines the presentation boundary of the engine: a Sink
// consumes the multiplexer's ordered event stream and renders it. The
// plain streaming printer and the NDJSON printer live here; the live
// dashboard implements the same contract in internal/tui.
package sink

import (
	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
)

// Sink renders the ordered event stream. OnEvent is called by the single
// consumer loop in delivery order; an implementation must not block that
// loop beyond a bounded rendering budget per event (hand off to another
// goroutine or queue if rendering is slow).
type Sink interface {
	// OnEvent renders one chunk or lifecycle event.
	OnEvent(ev events.Event)

	// Finalize renders the end-of-run summary once the aggregate result
	// is sealed.
	Finalize(res *aggregate.Result) error
}
