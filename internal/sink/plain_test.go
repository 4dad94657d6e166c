package sink

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
)

func finished(host string, failure events.FailureKind, exit int, err error) events.Event {
	return events.HostFinished(events.HostResult{Host: host, Failure: failure, ExitCode: exit, Err: err})
}

func TestPlainSinkPrefixesAndJustifies(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"web-1", "db"}, false, true)

	s.OnEvent(events.Chunk("web-1", events.Stdout, 1, []byte("hello\n")))
	s.OnEvent(events.Chunk("db", events.Stdout, 1, []byte("world\n")))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, "[web-1] hello", lines[0])
	require.Equal(t, "[   db] world", lines[1], "short names are right-justified")
}

func TestPlainSinkCarriesPartialLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a", "b"}, false, true)

	// A partial line must not be printed until completed, even when
	// another host's output arrives in between.
	s.OnEvent(events.Chunk("a", events.Stdout, 1, []byte("par")))
	s.OnEvent(events.Chunk("b", events.Stdout, 1, []byte("other\n")))
	s.OnEvent(events.Chunk("a", events.Stdout, 2, []byte("tial\n")))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, []string{"[b] other", "[a] partial"}, lines)
}

func TestPlainSinkKeepsStreamsSeparate(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a"}, false, true)

	// Partial stdout and partial stderr from the same host must not merge.
	s.OnEvent(events.Chunk("a", events.Stdout, 1, []byte("out")))
	s.OnEvent(events.Chunk("a", events.Stderr, 2, []byte("err")))
	s.OnEvent(events.Chunk("a", events.Stdout, 3, []byte("put\n")))
	s.OnEvent(events.Chunk("a", events.Stderr, 4, []byte("or\n")))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, []string{"[a] output", "[a] error"}, lines)
}

func TestPlainSinkFlushesCarryOnFinish(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a"}, false, true)

	s.OnEvent(events.Chunk("a", events.Stdout, 1, []byte("no newline")))
	s.OnEvent(finished("a", events.FailureNone, 0, nil))

	require.Equal(t, "[a] no newline\n", buf.String())
}

func TestPlainSinkReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a", "b"}, false, true)

	s.OnEvent(finished("a", events.FailureExit, 3, nil))
	s.OnEvent(finished("b", events.FailureConnect, -1, errors.New("connection refused")))

	out := buf.String()
	require.Contains(t, out, "[a] exit 3")
	require.Contains(t, out, "[b] connect-failed: connection refused")
}

func TestPlainSinkStripsANSIWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a"}, false, true)

	s.OnEvent(events.Chunk("a", events.Stdout, 1, []byte("\x1b[31mred\x1b[0m\r\n")))

	require.Equal(t, "[a] red\n", buf.String())
}

func TestPlainSinkFinalize(t *testing.T) {
	var buf bytes.Buffer
	s := NewPlainSink(&buf, []string{"a", "b"}, false, false)

	res := &aggregate.Result{
		PerHost: map[string]events.HostResult{
			"a": {Host: "a", Failure: events.FailureNone},
			"b": {Host: "b", Failure: events.FailureExit, ExitCode: 1},
		},
		Overall: aggregate.SomeFailed,
	}
	require.NoError(t, s.Finalize(res))
	require.Contains(t, buf.String(), "2 host(s): 1 succeeded, 1 failed, status some-failed")

	buf.Reset()
	quiet := NewPlainSink(&buf, []string{"a"}, false, true)
	require.NoError(t, quiet.Finalize(res))
	require.Empty(t, buf.String(), "quiet mode suppresses the summary")
}

func TestStripANSI(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[1;32mgreen\x1b[0m", "green"},
		{"move\x1b[2Athen\x1b[K", "movethen"},
		{"charset\x1b(Bdone", "charsetdone"},
		{"cr\rstripped", "crstripped"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, StripANSIString(tc.in))
	}
}
