// Package aggregate accumulates per-host outcomes and derives the overall
// status of one run.
package aggregate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cwt/ananta/internal/events"
)

// Status is the overall outcome of a run.
type Status int

const (
	// AllSucceeded: every host ran the command and exited zero.
	AllSucceeded Status = iota

	// SomeFailed: a mix of successes and failures.
	SomeFailed

	// AllFailed: every host failed.
	AllFailed

	// Cancelled: the run was cancelled and at least one host never
	// completed.
	Cancelled
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case AllSucceeded:
		return "all-succeeded"
	case SomeFailed:
		return "some-failed"
	case AllFailed:
		return "all-failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the finalized outcome of one run: exactly one entry per input
// host, no host silently dropped, even under cancellation.
type Result struct {
	PerHost map[string]events.HostResult
	Overall Status
}

// Succeeded returns the number of hosts that exited zero.
func (r *Result) Succeeded() int {
	n := 0
	for _, hr := range r.PerHost {
		if hr.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of hosts that did not exit zero.
func (r *Result) Failed() int {
	return len(r.PerHost) - r.Succeeded()
}

// Hosts returns the host names in sorted order, for stable rendering.
func (r *Result) Hosts() []string {
	names := make([]string, 0, len(r.PerHost))
	for name := range r.PerHost {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregator collects per-host results as sessions terminate. Recording a
// host twice is a programming error in the dispatcher, not a runtime
// condition, and panics.
type Aggregator struct {
	mu       sync.Mutex
	expected map[string]struct{}
	perHost  map[string]events.HostResult
	final    *Result
}

// New creates an Aggregator expecting exactly the given host names.
func New(hostNames []string) *Aggregator {
	expected := make(map[string]struct{}, len(hostNames))
	for _, name := range hostNames {
		expected[name] = struct{}{}
	}
	return &Aggregator{
		expected: expected,
		perHost:  make(map[string]events.HostResult, len(hostNames)),
	}
}

// Record folds one host's terminal result into the aggregate.
func (a *Aggregator) Record(res events.HostResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		panic(fmt.Sprintf("aggregate: record for %q after finalize", res.Host))
	}
	if _, known := a.expected[res.Host]; !known {
		panic(fmt.Sprintf("aggregate: record for unknown host %q", res.Host))
	}
	if _, dup := a.perHost[res.Host]; dup {
		panic(fmt.Sprintf("aggregate: duplicate record for host %q", res.Host))
	}
	a.perHost[res.Host] = res
}

// Observe records terminal results carried on the multiplexed event
// stream and ignores everything else, so the single consumer loop can
// feed the aggregator without filtering.
func (a *Aggregator) Observe(ev events.Event) {
	if ev.Kind == events.KindHostFinished && ev.Result != nil {
		a.Record(*ev.Result)
	}
}

// Pending returns the expected hosts that have no recorded result yet.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pending []string
	for name := range a.expected {
		if _, ok := a.perHost[name]; !ok {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	return pending
}

// Snapshot returns the outcome as it stands, without sealing the
// aggregator. The returned map is a copy.
func (a *Aggregator) Snapshot() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildLocked()
}

// Finalize seals the aggregator and returns the result. Every expected
// host must have been recorded; a missing host is a dispatcher bug.
// Finalize is idempotent: repeated calls return the same result.
func (a *Aggregator) Finalize() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return a.final
	}
	for name := range a.expected {
		if _, ok := a.perHost[name]; !ok {
			panic(fmt.Sprintf("aggregate: finalize with no result for host %q", name))
		}
	}
	a.final = a.buildLocked()
	return a.final
}

func (a *Aggregator) buildLocked() *Result {
	perHost := make(map[string]events.HostResult, len(a.perHost))
	for name, hr := range a.perHost {
		perHost[name] = hr
	}
	return &Result{
		PerHost: perHost,
		Overall: deriveStatus(perHost),
	}
}

// deriveStatus computes the overall status. Cancelled and NotStarted
// results only exist when the run was cancelled, so their presence is
// what distinguishes a cancelled run from an ordinary mixed outcome.
func deriveStatus(perHost map[string]events.HostResult) Status {
	succeeded, failed := 0, 0
	cancelled := false
	for _, hr := range perHost {
		switch hr.Failure {
		case events.FailureNone:
			succeeded++
		case events.FailureCancelled, events.FailureNotStarted:
			cancelled = true
			failed++
		default:
			failed++
		}
	}

	switch {
	case cancelled:
		return Cancelled
	case failed == 0:
		return AllSucceeded
	case succeeded == 0:
		return AllFailed
	default:
		return SomeFailed
	}
}
