// Package tui renders a run as a live terminal dashboard: per-host
// status, a scrolling output pane, and in shell mode an input line that
// broadcasts to every host.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/events"
	"github.com/cwt/ananta/internal/sink"
)

// maxScrollback bounds the output pane history.
const maxScrollback = 5000

// Options configures the dashboard.
type Options struct {
	HostNames []string
	Shell     bool
	Input     io.Writer // shell mode: typed lines go here
	Cancel    func()    // invoked on q / ctrl+c while the run is live
	Output    io.Writer // post-exit summary destination
}

// Dashboard is a live Sink backed by a bubbletea program. Run must be
// called (normally on its own goroutine) before events arrive; OnEvent
// and Finalize are safe from the dispatcher's consumer loop.
type Dashboard struct {
	p    *tea.Program
	out  io.Writer
	done chan struct{}
	once sync.Once
}

var _ sink.Sink = (*Dashboard)(nil)

// New creates a dashboard for the given hosts.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		out:  opts.Output,
		done: make(chan struct{}),
	}
	d.p = tea.NewProgram(newModel(opts), tea.WithAltScreen())
	return d
}

// Run drives the terminal UI until the user exits. It blocks; call it
// on a dedicated goroutine alongside the dispatcher.
func (d *Dashboard) Run() error {
	_, err := d.p.Run()
	d.once.Do(func() { close(d.done) })
	return err
}

// OnEvent forwards one event into the UI loop.
func (d *Dashboard) OnEvent(ev events.Event) {
	d.p.Send(eventMsg{ev: ev})
}

// Finalize shows the run summary, waits for the user to dismiss the
// dashboard, then prints a plain summary to the underlying writer.
func (d *Dashboard) Finalize(res *aggregate.Result) error {
	d.p.Send(summaryMsg{res: res})
	<-d.done

	if d.out == nil {
		return nil
	}
	_, err := fmt.Fprintf(d.out, "%d host(s): %d succeeded, %d failed, status %s\n",
		len(res.PerHost), res.Succeeded(), res.Failed(), res.Overall)
	return err
}

type eventMsg struct{ ev events.Event }

type summaryMsg struct{ res *aggregate.Result }

type hostStatus int

const (
	statusPending hostStatus = iota
	statusRunning
	statusOK
	statusFailed
)

var hostPalette = []lipgloss.Color{
	"1", "2", "3", "4", "5", "6", "9", "10", "11", "12", "13", "14",
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	footerStyle  = lipgloss.NewStyle().Faint(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	pendingStyle = lipgloss.NewStyle().Faint(true)
)

type hostRow struct {
	name   string
	status hostStatus
	exit   int
	reason string
}

type model struct {
	opts    Options
	rows    []hostRow
	index   map[string]int
	styles  map[string]lipgloss.Style
	width   int // prompt padding
	vp      viewport.Model
	input   textinput.Model
	lines   []string
	carry   map[string][]byte
	ready   bool
	follow  bool
	result  *aggregate.Result
	started time.Time
}

func newModel(opts Options) model {
	rows := make([]hostRow, len(opts.HostNames))
	index := make(map[string]int, len(opts.HostNames))
	styles := make(map[string]lipgloss.Style, len(opts.HostNames))
	width := 0
	for i, name := range opts.HostNames {
		rows[i] = hostRow{name: name, exit: -1}
		index[name] = i
		styles[name] = lipgloss.NewStyle().Foreground(hostPalette[i%len(hostPalette)])
		if len(name) > width {
			width = len(name)
		}
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "command for all hosts"
	if opts.Shell {
		ti.Focus()
	}

	return model{
		opts:    opts,
		rows:    rows,
		index:   index,
		styles:  styles,
		width:   width,
		input:   ti,
		carry:   make(map[string][]byte),
		follow:  true,
		started: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	if m.opts.Shell {
		return textinput.Blink
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.apply(msg.ev)
		m.refreshViewport()
		return m, nil

	case summaryMsg:
		m.result = msg.res
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.result != nil {
			return m, tea.Quit
		}
		if m.opts.Cancel != nil {
			m.opts.Cancel()
		}
		return m, nil

	case "enter":
		if m.opts.Shell && m.result == nil && m.opts.Input != nil {
			line := m.input.Value()
			m.input.Reset()
			// Write errors mean every session is gone; the run summary
			// will say so.
			_, _ = io.WriteString(m.opts.Input, line+"\n")
			return m, nil
		}

	case "up", "down", "pgup", "pgdown":
		// Manual scrolling pauses follow mode until back at the bottom.
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		m.follow = m.vp.AtBottom()
		return m, cmd
	}

	if !m.opts.Shell || m.result != nil {
		if msg.String() == "q" {
			if m.result != nil {
				return m, tea.Quit
			}
			if m.opts.Cancel != nil {
				m.opts.Cancel()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) resize(w, h int) {
	inputLines := 0
	if m.opts.Shell {
		inputLines = 1
	}
	// header + status strip + footer
	vh := h - 3 - inputLines
	if vh < 1 {
		vh = 1
	}
	if !m.ready {
		m.vp = viewport.New(w, vh)
		m.ready = true
	} else {
		m.vp.Width = w
		m.vp.Height = vh
	}
	m.input.Width = w - 4
	m.refreshViewport()
}

// apply folds one event into the host table and the scrollback.
func (m *model) apply(ev events.Event) {
	switch ev.Kind {
	case events.KindHostStarted:
		if i, ok := m.index[ev.Host]; ok {
			m.rows[i].status = statusRunning
		}

	case events.KindChunk:
		m.appendChunk(ev)

	case events.KindHostFinished:
		m.flushCarry(ev.Host)
		i, ok := m.index[ev.Host]
		if !ok || ev.Result == nil {
			return
		}
		m.rows[i].exit = ev.Result.ExitCode
		if ev.Result.Succeeded() {
			m.rows[i].status = statusOK
		} else {
			m.rows[i].status = statusFailed
			m.rows[i].reason = ev.Result.Summary()
			m.appendLine(ev.Host, ev.Result.Summary())
		}
	}
}

// appendChunk splits the chunk into lines under the host prompt,
// carrying the trailing partial line per host and stream.
func (m *model) appendChunk(ev events.Event) {
	key := ev.Host + "\x00" + ev.Stream.String()
	data := append(m.carry[key], sink.StripANSI(ev.Payload)...)

	for {
		idx := strings.IndexByte(string(data), '\n')
		if idx < 0 {
			break
		}
		m.appendLine(ev.Host, strings.TrimRight(string(data[:idx]), "\r"))
		data = data[idx+1:]
	}

	if len(data) > 0 {
		m.carry[key] = append([]byte(nil), data...)
	} else {
		delete(m.carry, key)
	}
}

func (m *model) flushCarry(host string) {
	for _, stream := range []events.Stream{events.Stdout, events.Stderr, events.Control} {
		key := host + "\x00" + stream.String()
		if data, ok := m.carry[key]; ok && len(data) > 0 {
			m.appendLine(host, strings.TrimRight(string(data), "\r"))
		}
		delete(m.carry, key)
	}
}

func (m *model) appendLine(host, line string) {
	prompt := fmt.Sprintf("[%*s] ", m.width, host)
	if st, ok := m.styles[host]; ok {
		prompt = st.Render(prompt)
	}
	m.lines = append(m.lines, prompt+line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
}

func (m *model) refreshViewport() {
	if !m.ready {
		return
	}
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.vp.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(m.headerLine()))
	b.WriteString("\n")
	b.WriteString(m.statusStrip())
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	if m.opts.Shell {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	b.WriteString(footerStyle.Render(m.footerLine()))
	return b.String()
}

func (m model) headerLine() string {
	var pending, running, ok, failed int
	for _, r := range m.rows {
		switch r.status {
		case statusPending:
			pending++
		case statusRunning:
			running++
		case statusOK:
			ok++
		case statusFailed:
			failed++
		}
	}
	return fmt.Sprintf("ananta  %d hosts  %d pending  %d running  %d ok  %d failed  %s",
		len(m.rows), pending, running, ok, failed,
		time.Since(m.started).Round(time.Second))
}

func (m model) statusStrip() string {
	parts := make([]string, 0, len(m.rows))
	for _, r := range m.rows {
		var st lipgloss.Style
		switch r.status {
		case statusOK:
			st = okStyle
		case statusFailed:
			st = failStyle
		case statusRunning:
			st = runningStyle
		default:
			st = pendingStyle
		}
		parts = append(parts, st.Render(r.name))
	}
	return strings.Join(parts, " ")
}

func (m model) footerLine() string {
	if m.result != nil {
		return fmt.Sprintf("run finished: %s  (press q to exit)", m.result.Overall)
	}
	if m.opts.Shell {
		return "enter: send to all hosts  ctrl+c: cancel run"
	}
	return "q/ctrl+c: cancel run  arrows: scroll"
}
