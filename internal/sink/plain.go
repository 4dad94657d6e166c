package sink

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
)

// promptColors cycles through the host prompt colors, one per host in
// submission order.
var promptColors = []termenv.ANSIColor{
	termenv.ANSIRed,
	termenv.ANSIGreen,
	termenv.ANSIYellow,
	termenv.ANSIBlue,
	termenv.ANSIMagenta,
	termenv.ANSICyan,
	termenv.ANSIBrightRed,
	termenv.ANSIBrightGreen,
	termenv.ANSIBrightYellow,
	termenv.ANSIBrightBlue,
	termenv.ANSIBrightMagenta,
	termenv.ANSIBrightCyan,
}

// PlainSink writes each output line prefixed with its right-justified
// host name, in delivery order. Chunks are split on newlines; a trailing
// partial line is carried until the next chunk from the same host/stream
// completes it, so interleaving never tears a line.
type PlainSink struct {
	mu      sync.Mutex
	w       io.Writer
	width   int               // prompt padding = longest host name
	color   bool
	prompts map[string]string // rendered prompt per host
	carry   map[string][]byte // partial line per host+stream
	started time.Time
	quiet   bool
}

// NewPlainSink creates a plain streaming sink for the given host names.
// When color is enabled each host gets a stable color from the cycle;
// when disabled, remote ANSI sequences are stripped as well.
func NewPlainSink(w io.Writer, hostNames []string, color, quiet bool) *PlainSink {
	width := 0
	for _, name := range hostNames {
		if len(name) > width {
			width = len(name)
		}
	}

	s := &PlainSink{
		w:       w,
		width:   width,
		color:   color,
		prompts: make(map[string]string, len(hostNames)),
		carry:   make(map[string][]byte),
		started: time.Now(),
		quiet:   quiet,
	}
	for i, name := range hostNames {
		s.prompts[name] = s.renderPrompt(name, i)
	}
	return s
}

func (s *PlainSink) renderPrompt(name string, idx int) string {
	padded := fmt.Sprintf("[%*s] ", s.width, name)
	if !s.color {
		return padded
	}
	c := promptColors[idx%len(promptColors)]
	return termenv.String(padded).Foreground(c).String()
}

func (s *PlainSink) prompt(host string) string {
	if p, ok := s.prompts[host]; ok {
		return p
	}
	// Host unknown at construction; render uncolored on the fly.
	return fmt.Sprintf("[%*s] ", s.width, host)
}

// OnEvent renders one event.
func (s *PlainSink) OnEvent(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case events.KindChunk:
		s.writeChunk(ev)
	case events.KindHostFinished:
		s.flushCarry(ev.Host)
		if ev.Result != nil && !ev.Result.Succeeded() {
			fmt.Fprintf(s.w, "%s%s\n", s.prompt(ev.Host), ev.Result.Summary())
		}
	}
}

// writeChunk splits a chunk into lines, each printed under the host
// prompt. The trailing partial line is carried per host and stream.
func (s *PlainSink) writeChunk(ev events.Event) {
	payload := ev.Payload
	if !s.color {
		payload = StripANSI(payload)
	}

	key := ev.Host + "\x00" + ev.Stream.String()
	data := append(s.carry[key], payload...)

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		fmt.Fprintf(s.w, "%s%s\n", s.prompt(ev.Host), line)
		data = data[idx+1:]
	}

	if len(data) > 0 {
		s.carry[key] = append([]byte(nil), data...)
	} else {
		delete(s.carry, key)
	}
}

// flushCarry prints any incomplete final lines once a host finishes, so
// cancellation truncates output but never loses what was produced.
func (s *PlainSink) flushCarry(host string) {
	for _, stream := range []events.Stream{events.Stdout, events.Stderr, events.Control} {
		key := host + "\x00" + stream.String()
		if data, ok := s.carry[key]; ok && len(data) > 0 {
			fmt.Fprintf(s.w, "%s%s\n", s.prompt(host), strings.TrimRight(string(data), "\r"))
		}
		delete(s.carry, key)
	}
}

// Finalize prints the end-of-run summary.
func (s *PlainSink) Finalize(res *aggregate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quiet {
		return nil
	}

	elapsed := time.Since(s.started).Round(time.Millisecond)
	_, err := fmt.Fprintf(s.w, "%d host(s): %d succeeded, %d failed, status %s (%v)\n",
		len(res.PerHost), res.Succeeded(), res.Failed(), res.Overall, elapsed)
	return err
}
