package ssh

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/cwt/ananta/internal/events"
)

// Error carries the failure classification alongside the underlying
// transport error. The dispatcher records the kind in the aggregate
// result; the error itself is surfaced as data, never as a process abort.
type Error struct {
	Kind events.FailureKind
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// FailureOf extracts the failure kind from an error returned by this
// package. Unclassified errors default to ProtocolError.
func FailureOf(err error) events.FailureKind {
	if err == nil {
		return events.FailureNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return events.FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return events.FailureCancelled
	}
	return events.FailureProtocol
}

// Retryable reports whether a connect-phase failure kind is worth another
// attempt. Auth failures are never retried: the credentials will not
// change between attempts.
func Retryable(kind events.FailureKind) bool {
	return kind == events.FailureConnect || kind == events.FailureTimeout
}

// classifyConnectErr maps a dial/handshake error into the failure taxonomy.
func classifyConnectErr(err error) events.FailureKind {
	if err == nil {
		return events.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return events.FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return events.FailureCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return events.FailureTimeout
	}

	errStr := strings.ToLower(err.Error())
	authMarkers := []string{
		"unable to authenticate",
		"no supported methods remain",
		"permission denied",
		"no authentication methods",
		"auth fail",
	}
	for _, marker := range authMarkers {
		if strings.Contains(errStr, marker) {
			return events.FailureAuth
		}
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return events.FailureTimeout
	}
	return events.FailureConnect
}

// connectError wraps a dial/handshake error with its classification.
func connectError(err error) error {
	return &Error{Kind: classifyConnectErr(err), Err: err}
}
