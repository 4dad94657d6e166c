// Package events defines the host-attributed output stream model shared by
// the session layer, the multiplexer, the aggregator and the sinks.
package events

import (
	"fmt"
	"time"
)

// Stream identifies which remote stream a chunk of output belongs to.
type Stream int

const (
	// Stdout carries the remote process's standard output.
	Stdout Stream = iota

	// Stderr carries the remote process's standard error.
	Stderr

	// Control carries engine-generated text (status notes, error detail)
	// attributed to a host but not produced by the remote process.
	Control
)

// String returns the wire name of the stream.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Kind discriminates the payloads carried on the multiplexed event stream.
type Kind int

const (
	// KindChunk is a unit of remote output.
	KindChunk Kind = iota

	// KindHostStarted marks a host's session being admitted and connecting.
	KindHostStarted

	// KindHostFinished marks a host reaching a terminal state. Result is set.
	KindHostFinished
)

// FailureKind classifies why a host did not succeed. All kinds are
// host-local: none of them abort other hosts.
type FailureKind int

const (
	// FailureNone means the command ran and exited zero.
	FailureNone FailureKind = iota

	// FailureConnect covers network-level connection failures.
	FailureConnect

	// FailureAuth covers SSH authentication failures.
	FailureAuth

	// FailureTimeout covers connect or execution deadline expiry, and
	// sessions force-terminated after the cancellation grace period.
	FailureTimeout

	// FailureProtocol covers SSH session/channel errors after a
	// successful connection.
	FailureProtocol

	// FailureExit means the remote command completed with a non-zero
	// exit code.
	FailureExit

	// FailureCancelled means the session was torn down by cancellation
	// before the command completed.
	FailureCancelled

	// FailureNotStarted means cancellation arrived before the host was
	// admitted; no connection was ever attempted.
	FailureNotStarted
)

// String returns the wire name of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConnect:
		return "connect-failed"
	case FailureAuth:
		return "auth-failed"
	case FailureTimeout:
		return "timeout"
	case FailureProtocol:
		return "protocol-error"
	case FailureExit:
		return "non-zero-exit"
	case FailureCancelled:
		return "cancelled"
	case FailureNotStarted:
		return "not-started"
	default:
		return "unknown"
	}
}

// HostResult is the terminal outcome of one host's session.
type HostResult struct {
	Host      string       // Host record name
	ExitCode  int          // Remote exit code (meaningful for FailureNone and FailureExit)
	Failure   FailureKind  // FailureNone on success
	Err       error        // Underlying error for failed sessions
	StartedAt time.Time    // When the host was admitted
	EndedAt   time.Time    // When the terminal state was reached
}

// Succeeded reports whether the command ran to completion with exit code 0.
func (r HostResult) Succeeded() bool {
	return r.Failure == FailureNone
}

// Duration returns the wall time the host spent between admission and its
// terminal state.
func (r HostResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary renders a short human-readable outcome line.
func (r HostResult) Summary() string {
	switch r.Failure {
	case FailureNone:
		return "exit 0"
	case FailureExit:
		return fmt.Sprintf("exit %d", r.ExitCode)
	default:
		if r.Err != nil {
			return fmt.Sprintf("%s: %v", r.Failure, r.Err)
		}
		return r.Failure.String()
	}
}

// Event is one element of the ordered stream a PresentationSink consumes.
// Chunks from one host carry strictly increasing sequence numbers; the
// multiplexer preserves that order end to end. Lifecycle events share the
// stream so a sink can render content and status without a second channel.
type Event struct {
	Kind    Kind
	Host    string
	Stream  Stream      // chunks only
	Payload []byte      // chunks only
	Seq     uint64      // chunks only, monotonically increasing per host
	Result  *HostResult // KindHostFinished only
}

// Chunk builds a data event.
func Chunk(host string, stream Stream, seq uint64, payload []byte) Event {
	return Event{Kind: KindChunk, Host: host, Stream: stream, Seq: seq, Payload: payload}
}

// HostStarted builds the lifecycle event emitted when a host is admitted.
func HostStarted(host string) Event {
	return Event{Kind: KindHostStarted, Host: host}
}

// HostFinished builds the lifecycle event carrying a host's terminal result.
func HostFinished(res HostResult) Event {
	return Event{Kind: KindHostFinished, Host: res.Host, Result: &res}
}
