package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostResultSummary(t *testing.T) {
	require.Equal(t, "exit 0", HostResult{Failure: FailureNone}.Summary())
	require.Equal(t, "exit 3", HostResult{Failure: FailureExit, ExitCode: 3}.Summary())
	require.Equal(t, "connect-failed: refused",
		HostResult{Failure: FailureConnect, Err: errors.New("refused")}.Summary())
	require.Equal(t, "timeout", HostResult{Failure: FailureTimeout}.Summary())
}

func TestHostResultDuration(t *testing.T) {
	start := time.Now()
	r := HostResult{StartedAt: start, EndedAt: start.Add(time.Second)}
	require.Equal(t, time.Second, r.Duration())
	require.False(t, r.Succeeded() && r.Failure != FailureNone)
	require.True(t, HostResult{Failure: FailureNone}.Succeeded())
	require.False(t, HostResult{Failure: FailureExit}.Succeeded())
}

func TestConstructors(t *testing.T) {
	ev := Chunk("a", Stderr, 7, []byte("oops"))
	require.Equal(t, KindChunk, ev.Kind)
	require.Equal(t, uint64(7), ev.Seq)
	require.Equal(t, "stderr", ev.Stream.String())

	ev = HostFinished(HostResult{Host: "a", Failure: FailureExit})
	require.Equal(t, KindHostFinished, ev.Kind)
	require.Equal(t, "a", ev.Host)
	require.NotNil(t, ev.Result)
	require.Equal(t, FailureExit, ev.Result.Failure)
}
