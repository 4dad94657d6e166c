package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
)

// JSONSink emits NDJSON: one object per event, one summary object at the
// end, for machine consumption.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONSink creates an NDJSON sink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

type jsonChunk struct {
	Event  string `json:"event"`
	Host   string `json:"host"`
	Stream string `json:"stream"`
	Seq    uint64 `json:"seq"`
	Data   string `json:"data"`
}

type jsonLifecycle struct {
	Event    string `json:"event"`
	Host     string `json:"host"`
	ExitCode int    `json:"exit_code,omitempty"`
	Failure  string `json:"failure,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}

type jsonSummary struct {
	Event     string         `json:"event"`
	Overall   string         `json:"overall"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	PerHost   map[string]any `json:"per_host"`
}

// OnEvent writes one NDJSON line per event.
func (s *JSONSink) OnEvent(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case events.KindChunk:
		s.write(jsonChunk{
			Event:  "chunk",
			Host:   ev.Host,
			Stream: ev.Stream.String(),
			Seq:    ev.Seq,
			Data:   string(ev.Payload),
		})
	case events.KindHostStarted:
		s.write(jsonLifecycle{Event: "host-started", Host: ev.Host})
	case events.KindHostFinished:
		out := jsonLifecycle{
			Event: "host-finished",
			Host:  ev.Host,
		}
		if r := ev.Result; r != nil {
			out.ExitCode = r.ExitCode
			out.Failure = r.Failure.String()
			out.Duration = r.Duration().Milliseconds()
			if r.Err != nil {
				out.Error = r.Err.Error()
			}
		}
		s.write(out)
	}
}

// Finalize writes the summary object.
func (s *JSONSink) Finalize(res *aggregate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perHost := make(map[string]any, len(res.PerHost))
	for name, hr := range res.PerHost {
		perHost[name] = map[string]any{
			"exit_code": hr.ExitCode,
			"failure":   hr.Failure.String(),
		}
	}
	return s.write(jsonSummary{
		Event:     "summary",
		Overall:   res.Overall.String(),
		Succeeded: res.Succeeded(),
		Failed:    res.Failed(),
		PerHost:   perHost,
	})
}

func (s *JSONSink) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintf(s.w, "%s\n", data)
	return err
}
