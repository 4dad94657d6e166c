package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
	"github.com/cwt/ananta/internal/hosts"
	"github.com/cwt/ananta/internal/ssh"
)

// fakeBehavior scripts one host's session for a test.
type fakeBehavior struct {
	connectErrs      []error // per-attempt connect outcomes; exhausted = success
	chunks           []fakeChunk
	exitCode         int
	execErr          error
	execDelay        time.Duration
	blockUntilCancel bool          // exec waits for ctx and returns its error
	ignoreCancel     time.Duration // exec sleeps through cancellation for this long
}

type fakeChunk struct {
	stream events.Stream
	data   string
}

// fakeFleet hands out scripted clients and tracks connect attempts and
// peak session concurrency.
type fakeFleet struct {
	mu        sync.Mutex
	behaviors map[string]*fakeBehavior
	attempts  map[string]int
	commands  map[string]string

	cur, peak int32
}

func newFleet() *fakeFleet {
	return &fakeFleet{
		behaviors: make(map[string]*fakeBehavior),
		attempts:  make(map[string]int),
		commands:  make(map[string]string),
	}
}

func (f *fakeFleet) set(host string, beh *fakeBehavior) {
	f.behaviors[host] = beh
}

func (f *fakeFleet) factory() func() ssh.Client {
	return func() ssh.Client { return &fakeClient{fleet: f} }
}

func (f *fakeFleet) attemptCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[host]
}

func (f *fakeFleet) command(host string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[host]
}

type fakeClient struct {
	fleet *fakeFleet
	host  string
	beh   *fakeBehavior
}

func (c *fakeClient) Connect(ctx context.Context, rec hosts.Record) error {
	f := c.fleet
	f.mu.Lock()
	c.host = rec.Name
	c.beh = f.behaviors[rec.Name]
	if c.beh == nil {
		c.beh = &fakeBehavior{}
	}
	attempt := f.attempts[rec.Name]
	f.attempts[rec.Name] = attempt + 1
	f.mu.Unlock()

	if attempt < len(c.beh.connectErrs) && c.beh.connectErrs[attempt] != nil {
		return c.beh.connectErrs[attempt]
	}

	cur := atomic.AddInt32(&f.cur, 1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&f.peak, p, cur) {
			break
		}
	}
	return nil
}

func (c *fakeClient) Exec(ctx context.Context, command string, emit ssh.EmitFunc) (int, error) {
	defer atomic.AddInt32(&c.fleet.cur, -1)

	c.fleet.mu.Lock()
	c.fleet.commands[c.host] = command
	c.fleet.mu.Unlock()

	if c.beh.blockUntilCancel {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if c.beh.ignoreCancel > 0 {
		time.Sleep(c.beh.ignoreCancel)
		return 0, nil
	}
	if c.beh.execDelay > 0 {
		select {
		case <-time.After(c.beh.execDelay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	for _, ch := range c.beh.chunks {
		emit(ch.stream, []byte(ch.data))
	}

	if c.beh.execErr != nil {
		return -1, c.beh.execErr
	}
	if c.beh.exitCode != 0 {
		return c.beh.exitCode, &ssh.Error{
			Kind: events.FailureExit,
			Err:  fmt.Errorf("command exited with status %d", c.beh.exitCode),
		}
	}
	return 0, nil
}

func (c *fakeClient) Shell(ctx context.Context, stdin io.Reader, emit ssh.EmitFunc) (int, error) {
	defer atomic.AddInt32(&c.fleet.cur, -1)

	buf := make([]byte, 256)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			emit(events.Stdout, append([]byte("got: "), buf[:n]...))
			return 0, nil
		}
		if err != nil {
			return 0, nil
		}
	}
}

func (c *fakeClient) Close() error { return nil }

// captureSink records the delivered event stream.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
	final  *aggregate.Result
}

func (s *captureSink) OnEvent(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) Finalize(res *aggregate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = res
	return nil
}

// output concatenates the chunk payloads delivered for one host, checking
// that sequence numbers arrived strictly increasing.
func (s *captureSink) output(t *testing.T, host string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	var lastSeq uint64
	for _, ev := range s.events {
		if ev.Kind != events.KindChunk || ev.Host != host {
			continue
		}
		require.Greater(t, ev.Seq, lastSeq, "chunks for %s out of order", host)
		lastSeq = ev.Seq
		out = append(out, ev.Payload...)
	}
	return string(out)
}

func (s *captureSink) countKind(host string, kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Host == host && ev.Kind == kind {
			n++
		}
	}
	return n
}

func records(names ...string) []hosts.Record {
	recs := make([]hosts.Record, len(names))
	for i, name := range names {
		recs[i] = hosts.Record{Name: name, Address: "10.0.0.1", Port: 22, User: "test"}
	}
	return recs
}

func newDispatcher(t *testing.T, opts Options, s *captureSink) *Dispatcher {
	t.Helper()
	if opts.RetryPause == 0 {
		opts.RetryPause = time.Millisecond
	}
	d, err := New(opts, s)
	require.NoError(t, err)
	return d
}

func TestRunAllSucceed(t *testing.T) {
	fleet := newFleet()
	fleet.set("a", &fakeBehavior{chunks: []fakeChunk{
		{events.Stdout, "a out 1\n"},
		{events.Stderr, "a err\n"},
		{events.Stdout, "a out 2\n"},
	}})
	fleet.set("b", &fakeBehavior{chunks: []fakeChunk{{events.Stdout, "b out\n"}}})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("a", "b"), Request{Command: "uptime"})
	require.NoError(t, err)

	require.Equal(t, aggregate.AllSucceeded, res.Overall)
	require.Len(t, res.PerHost, 2)
	require.True(t, res.PerHost["a"].Succeeded())
	require.True(t, res.PerHost["b"].Succeeded())

	require.Equal(t, "a out 1\na err\na out 2\n", s.output(t, "a"))
	require.Equal(t, "b out\n", s.output(t, "b"))

	for _, host := range []string{"a", "b"} {
		require.Equal(t, 1, s.countKind(host, events.KindHostStarted))
		require.Equal(t, 1, s.countKind(host, events.KindHostFinished))
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	fleet := newFleet()
	names := []string{"h1", "h2", "h3", "h4", "h5", "h6"}
	for _, name := range names {
		fleet.set(name, &fakeBehavior{execDelay: 20 * time.Millisecond})
	}

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records(names...), Request{Command: "true"})
	require.NoError(t, err)
	require.Equal(t, aggregate.AllSucceeded, res.Overall)
	require.LessOrEqual(t, atomic.LoadInt32(&fleet.peak), int32(2),
		"sessions above the concurrency ceiling")
}

func TestCeilingOfOneSerializes(t *testing.T) {
	const delay = 50 * time.Millisecond

	fleet := newFleet()
	for _, name := range []string{"a", "b", "c"} {
		fleet.set(name, &fakeBehavior{execDelay: delay})
	}

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, NewClient: fleet.factory()}, s)

	start := time.Now()
	res, err := d.Run(context.Background(), records("a", "b", "c"), Request{Command: "work"})
	require.NoError(t, err)

	require.Equal(t, aggregate.AllSucceeded, res.Overall)
	require.GreaterOrEqual(t, time.Since(start), 3*delay,
		"ceiling of one must run hosts back to back")
	require.Equal(t, int32(1), atomic.LoadInt32(&fleet.peak))
}

func TestMixedExitCodes(t *testing.T) {
	fleet := newFleet()
	fleet.set("ok", &fakeBehavior{})
	fleet.set("bad", &fakeBehavior{exitCode: 3})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("ok", "bad"), Request{Command: "check"})
	require.NoError(t, err)

	require.Equal(t, aggregate.SomeFailed, res.Overall)
	require.Equal(t, 0, res.PerHost["ok"].ExitCode)
	require.Equal(t, 3, res.PerHost["bad"].ExitCode)
	require.Equal(t, events.FailureExit, res.PerHost["bad"].Failure)
}

func TestFailureIsolation(t *testing.T) {
	fleet := newFleet()
	fleet.set("locked-out", &fakeBehavior{connectErrs: []error{
		&ssh.Error{Kind: events.FailureAuth, Err: errors.New("permission denied")},
	}})
	fleet.set("fine", &fakeBehavior{chunks: []fakeChunk{{events.Stdout, "still here\n"}}})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("locked-out", "fine"), Request{Command: "id"})
	require.NoError(t, err)

	require.Equal(t, aggregate.SomeFailed, res.Overall)
	require.Equal(t, events.FailureAuth, res.PerHost["locked-out"].Failure)
	require.True(t, res.PerHost["fine"].Succeeded())
	require.Equal(t, "still here\n", s.output(t, "fine"))
}

func TestConnectRetry(t *testing.T) {
	connectErr := &ssh.Error{Kind: events.FailureConnect, Err: errors.New("refused")}

	fleet := newFleet()
	fleet.set("flaky", &fakeBehavior{connectErrs: []error{connectErr, connectErr, nil}})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, Retries: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("flaky"), Request{Command: "true"})
	require.NoError(t, err)
	require.True(t, res.PerHost["flaky"].Succeeded())
	require.Equal(t, 3, fleet.attemptCount("flaky"))
}

func TestRetryBudgetExhausted(t *testing.T) {
	connectErr := &ssh.Error{Kind: events.FailureConnect, Err: errors.New("refused")}

	fleet := newFleet()
	fleet.set("down", &fakeBehavior{connectErrs: []error{connectErr, connectErr, connectErr}})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, Retries: 1, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("down"), Request{Command: "true"})
	require.NoError(t, err)
	require.Equal(t, events.FailureConnect, res.PerHost["down"].Failure)
	require.Equal(t, 2, fleet.attemptCount("down"), "initial attempt plus one retry")
}

func TestAuthFailureNotRetried(t *testing.T) {
	fleet := newFleet()
	fleet.set("denied", &fakeBehavior{connectErrs: []error{
		&ssh.Error{Kind: events.FailureAuth, Err: errors.New("permission denied")},
	}})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, Retries: 5, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("denied"), Request{Command: "true"})
	require.NoError(t, err)
	require.Equal(t, events.FailureAuth, res.PerHost["denied"].Failure)
	require.Equal(t, 1, fleet.attemptCount("denied"))
}

func TestCancellationCompleteness(t *testing.T) {
	fleet := newFleet()
	for _, name := range []string{"a", "b", "c"} {
		fleet.set(name, &fakeBehavior{blockUntilCancel: true})
	}

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, NewClient: fleet.factory()}, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := d.Run(ctx, records("a", "b", "c"), Request{Command: "sleep 999"})
	require.NoError(t, err)

	// Every host has a terminal state even though only one was admitted.
	require.Len(t, res.PerHost, 3)
	require.Equal(t, aggregate.Cancelled, res.Overall)

	var cancelled, notStarted int
	for _, hr := range res.PerHost {
		switch hr.Failure {
		case events.FailureCancelled:
			cancelled++
		case events.FailureNotStarted:
			notStarted++
		}
	}
	require.Equal(t, 1, cancelled, "the admitted host is cancelled")
	require.Equal(t, 2, notStarted, "queued hosts never started")
}

func TestGracePeriodForcesTermination(t *testing.T) {
	fleet := newFleet()
	fleet.set("stuck", &fakeBehavior{ignoreCancel: 3 * time.Second})

	s := &captureSink{}
	d := newDispatcher(t, Options{
		Concurrency: 1,
		GracePeriod: 50 * time.Millisecond,
		NewClient:   fleet.factory(),
	}, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := d.Run(ctx, records("stuck"), Request{Command: "hang"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second,
		"run must return within the grace period, not wait out the session")
	require.Equal(t, events.FailureTimeout, res.PerHost["stuck"].Failure)
}

func TestCmdTimeout(t *testing.T) {
	fleet := newFleet()
	fleet.set("slow", &fakeBehavior{blockUntilCancel: true})
	fleet.set("fast", &fakeBehavior{})

	s := &captureSink{}
	d := newDispatcher(t, Options{
		Concurrency: 2,
		CmdTimeout:  50 * time.Millisecond,
		NewClient:   fleet.factory(),
	}, s)

	res, err := d.Run(context.Background(), records("slow", "fast"), Request{Command: "work"})
	require.NoError(t, err)

	require.True(t, res.PerHost["fast"].Succeeded())
	require.Equal(t, events.FailureTimeout, res.PerHost["slow"].Failure,
		"per-host deadline must not read as run cancellation")
	require.Equal(t, aggregate.SomeFailed, res.Overall)
}

func TestFailFastCancelsRemaining(t *testing.T) {
	fleet := newFleet()
	fleet.set("bad", &fakeBehavior{exitCode: 1})
	fleet.set("b1", &fakeBehavior{blockUntilCancel: true})
	fleet.set("b2", &fakeBehavior{blockUntilCancel: true})

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 3, FailFast: true, NewClient: fleet.factory()}, s)

	start := time.Now()
	res, err := d.Run(context.Background(), records("bad", "b1", "b2"), Request{Command: "deploy"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Equal(t, events.FailureExit, res.PerHost["bad"].Failure)
	require.Equal(t, events.FailureCancelled, res.PerHost["b1"].Failure)
	require.Equal(t, events.FailureCancelled, res.PerHost["b2"].Failure)
	require.Equal(t, aggregate.Cancelled, res.Overall)
}

func TestPerHostTemplating(t *testing.T) {
	fleet := newFleet()

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("a", "b"), Request{Command: "echo {{.Name}}"})
	require.NoError(t, err)
	require.Equal(t, aggregate.AllSucceeded, res.Overall)

	require.Equal(t, "echo a", fleet.command("a"))
	require.Equal(t, "echo b", fleet.command("b"))
}

func TestShellBroadcast(t *testing.T) {
	fleet := newFleet()

	pr, pw := io.Pipe()
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = io.WriteString(pw, "date\n")
		pw.Close()
	}()

	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 2, NewClient: fleet.factory()}, s)

	res, err := d.Run(context.Background(), records("a", "b"), Request{Shell: true, Stdin: pr})
	require.NoError(t, err)
	require.Equal(t, aggregate.AllSucceeded, res.Overall)

	require.Equal(t, "got: date\n", s.output(t, "a"))
	require.Equal(t, "got: date\n", s.output(t, "b"))
}

func TestRunValidation(t *testing.T) {
	fleet := newFleet()
	s := &captureSink{}
	d := newDispatcher(t, Options{Concurrency: 1, NewClient: fleet.factory()}, s)

	_, err := d.Run(context.Background(), nil, Request{Command: "true"})
	require.Error(t, err, "empty host list")

	_, err = d.Run(context.Background(), records("a", "a"), Request{Command: "true"})
	require.Error(t, err, "duplicate host names")

	_, err = d.Run(context.Background(), records("a"), Request{})
	require.Error(t, err, "empty command without shell")

	_, err = d.Run(context.Background(), records("a"), Request{Command: "echo {{.Name"})
	require.Error(t, err, "broken template")

	bad, err := New(Options{Concurrency: 0, NewClient: fleet.factory()}, s)
	require.NoError(t, err)
	_, err = bad.Run(context.Background(), records("a"), Request{Command: "true"})
	require.Error(t, err, "concurrency below 1")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{}, &captureSink{})
	require.Error(t, err, "missing client factory")

	fleet := newFleet()
	_, err = New(Options{NewClient: fleet.factory()}, nil)
	require.Error(t, err, "missing sink")
}
