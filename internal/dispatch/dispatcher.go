// Package dispatch orchestrates one run: it fans a command (or shell
// attach) out to every host under the concurrency ceiling, routes session
// output through the multiplexer to a single presentation sink, and folds
// per-host outcomes into the aggregate result.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
	"github.com/cwt/ananta/internal/hosts"
	"github.com/cwt/ananta/internal/limiter"
	"github.com/cwt/ananta/internal/logging"
	"github.com/cwt/ananta/internal/mux"
	"github.com/cwt/ananta/internal/sink"
	"github.com/cwt/ananta/internal/ssh"
	"github.com/cwt/ananta/internal/template"
)

const (
	// DefaultGracePeriod is how long Run waits after cancellation for a
	// session to terminate before abandoning it and recording Timeout.
	DefaultGracePeriod = 5 * time.Second

	// DefaultRetryPause separates bounded connect retry attempts.
	DefaultRetryPause = time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Concurrency     int           // Maximum sessions connecting/running at once (>= 1)
	Retries         int           // Connect retry attempts per host (0 = no retry)
	RetryPause      time.Duration // Pause between connect attempts (default 1s)
	CmdTimeout      time.Duration // Per-host session timeout (0 = none)
	TotalTimeout    time.Duration // Whole-run timeout (0 = none)
	GracePeriod     time.Duration // Post-cancellation teardown budget (default 5s)
	FailFast        bool          // First host failure cancels the rest
	QueueSize       int           // Multiplexer queue capacity (0 = default)
	MaxPendingBytes int64         // Multiplexer byte budget (0 = default, <0 unbounded)

	// NewClient builds the protocol capability for one host. Required.
	NewClient func() ssh.Client

	Logger *logging.Logger
}

// Request describes what to run on every host: a command line, or an
// interactive shell fed from Stdin.
type Request struct {
	Command string
	Shell   bool
	Stdin   io.Reader // shell mode only; lines are broadcast to every host
}

// Dispatcher owns all per-host sessions for the duration of one Run call.
type Dispatcher struct {
	opts Options
	sink sink.Sink
}

// New creates a Dispatcher rendering through s.
func New(opts Options, s sink.Sink) (*Dispatcher, error) {
	if opts.NewClient == nil {
		return nil, fmt.Errorf("dispatch: NewClient factory is required")
	}
	if s == nil {
		return nil, fmt.Errorf("dispatch: presentation sink is required")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = DefaultRetryPause
	}
	return &Dispatcher{opts: opts, sink: s}, nil
}

// Run executes the request on every host and returns once all hosts have
// reached a terminal state (or the cancellation grace period has elapsed
// and stragglers were force-abandoned). The returned result contains
// exactly one entry per input host.
//
// Configuration errors (empty host list, duplicate names, bad ceiling)
// fail before any session is created.
func (d *Dispatcher) Run(ctx context.Context, records []hosts.Record, req Request) (*aggregate.Result, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("dispatch: empty host list")
	}
	if err := hosts.CheckUnique(records); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if !req.Shell && req.Command == "" {
		return nil, fmt.Errorf("dispatch: empty command")
	}
	if !req.Shell {
		if err := template.Validate(req.Command); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
	}
	lim, err := limiter.New(d.opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if d.opts.TotalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d.opts.TotalTimeout)
		defer cancel()
	}

	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.Name
	}
	agg := aggregate.New(names)
	m := mux.New(mux.Options{QueueSize: d.opts.QueueSize, MaxPendingBytes: d.opts.MaxPendingBytes})

	if d.opts.Logger != nil {
		d.opts.Logger.LogDispatchStart(len(records), d.opts.Concurrency, d.opts.Retries)
	}
	started := time.Now()

	// The single consumer: drains the multiplexer in order, feeds the
	// aggregator and the sink, and returns byte credits so suspended
	// sessions resume.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range m.Events() {
			agg.Observe(ev)
			d.sink.OnEvent(ev)
			m.Done(ev)
		}
	}()

	var bcast *broadcaster
	if req.Shell {
		stdin := req.Stdin
		if stdin == nil {
			stdin = emptyReader{}
		}
		bcast = newBroadcaster(stdin)
		go bcast.run(runCtx)
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go d.runHost(runCtx, cancelRun, rec, req, m, lim, bcast, &wg)
	}
	wg.Wait()

	m.Close()
	<-drained

	res := agg.Finalize()
	if d.opts.Logger != nil {
		d.opts.Logger.LogDispatchComplete(len(records), res.Succeeded(), res.Failed(), time.Since(started))
	}
	return res, nil
}

// hostState serializes chunk submission for one host so the per-host
// sequence numbers leave in order even though stdout and stderr are
// pumped concurrently.
type hostState struct {
	mu   sync.Mutex
	seq  uint64
	done bool
}

// runHost drives one host from admission to terminal state, submitting
// exactly one HostFinished event no matter how the session ends.
func (d *Dispatcher) runHost(runCtx context.Context, cancelRun context.CancelFunc, rec hosts.Record, req Request, m *mux.Multiplexer, lim *limiter.Limiter, bcast *broadcaster, wg *sync.WaitGroup) {
	defer wg.Done()

	tk, err := lim.Acquire(runCtx)
	if err != nil {
		// Cancellation arrived before admission: no connection was ever
		// attempted, but the host still appears in the result.
		now := time.Now()
		d.finish(m, events.HostResult{
			Host:      rec.Name,
			ExitCode:  -1,
			Failure:   events.FailureNotStarted,
			Err:       err,
			StartedAt: now,
			EndedAt:   now,
		})
		return
	}
	defer tk.Release()

	startedAt := time.Now()
	d.submitLifecycle(m, events.HostStarted(rec.Name))

	hs := &hostState{}
	emit := func(stream events.Stream, payload []byte) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		if hs.done {
			return
		}
		hs.seq++
		// A cancelled context truncates the stream here; everything
		// submitted before cancellation is still delivered.
		_ = m.Submit(runCtx, events.Chunk(rec.Name, stream, hs.seq, payload))
	}

	resCh := make(chan events.HostResult, 1)
	go func() {
		resCh <- d.executeHost(runCtx, rec, req, bcast, emit)
	}()

	var res events.HostResult
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		// Cancellation is cooperative with a bounded grace window; a
		// session stuck past it is abandoned and recorded as Timeout.
		select {
		case res = <-resCh:
		case <-time.After(d.opts.GracePeriod):
			res = events.HostResult{
				Host:     rec.Name,
				ExitCode: -1,
				Failure:  events.FailureTimeout,
				Err:      fmt.Errorf("session did not terminate within %v grace period", d.opts.GracePeriod),
			}
		}
	}

	hs.mu.Lock()
	hs.done = true
	hs.mu.Unlock()

	res.StartedAt = startedAt
	res.EndedAt = time.Now()

	if d.opts.Logger != nil {
		d.opts.Logger.LogHostResult(res.Host, res.ExitCode, res.Failure.String(), res.Duration())
	}
	if d.opts.FailFast && !res.Succeeded() &&
		res.Failure != events.FailureCancelled && res.Failure != events.FailureNotStarted {
		cancelRun()
	}

	d.finish(m, res)
}

// executeHost connects (with bounded retry) and runs the request,
// returning the host's terminal result. Timestamps are filled by the
// caller.
func (d *Dispatcher) executeHost(ctx context.Context, rec hosts.Record, req Request, bcast *broadcaster, emit ssh.EmitFunc) events.HostResult {
	res := events.HostResult{Host: rec.Name, ExitCode: -1}

	cmdCtx := ctx
	if d.opts.CmdTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, d.opts.CmdTimeout)
		defer cancel()
	}

	client := d.opts.NewClient()
	defer client.Close()

	if err := d.connectWithRetry(cmdCtx, client, rec); err != nil {
		res.Failure = ssh.FailureOf(err)
		res.Err = err
		return res
	}

	var (
		code int
		err  error
	)
	if req.Shell {
		stdin := bcast.attach(rec.Name)
		defer bcast.detach(rec.Name)
		code, err = client.Shell(cmdCtx, stdin, emit)
	} else {
		command := req.Command
		if template.HasPlaceholders(command) {
			command, err = template.Render(command, rec)
			if err != nil {
				res.Failure = events.FailureProtocol
				res.Err = err
				return res
			}
		}
		code, err = client.Exec(cmdCtx, command, emit)
	}

	res.ExitCode = code
	if err != nil {
		res.Failure = ssh.FailureOf(err)
		if res.Failure != events.FailureExit {
			res.Err = err
		}
	}
	return res
}

// connectWithRetry applies the bounded connect retry policy uniformly
// around session creation. Retry never applies once a command has
// started, and never to auth failures.
func (d *Dispatcher) connectWithRetry(ctx context.Context, client ssh.Client, rec hosts.Record) error {
	for attempt := 0; ; attempt++ {
		err := client.Connect(ctx, rec)
		if err == nil {
			return nil
		}

		kind := ssh.FailureOf(err)
		if attempt >= d.opts.Retries || !ssh.Retryable(kind) || ctx.Err() != nil {
			return err
		}
		if d.opts.Logger != nil {
			d.opts.Logger.LogRetry(rec, attempt+1, d.opts.RetryPause, kind.String())
		}

		select {
		case <-time.After(d.opts.RetryPause):
		case <-ctx.Done():
			return err
		}
	}
}

// finish submits the terminal lifecycle event. It deliberately uses the
// background context: the HostFinished event must reach the aggregator
// even when the run context is already cancelled, or the completeness
// invariant breaks.
func (d *Dispatcher) finish(m *mux.Multiplexer, res events.HostResult) {
	_ = m.Submit(context.Background(), events.HostFinished(res))
}

func (d *Dispatcher) submitLifecycle(m *mux.Multiplexer, ev events.Event) {
	_ = m.Submit(context.Background(), ev)
}

// emptyReader is the stdin for a shell run with no input source.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
