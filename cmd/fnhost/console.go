package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/runtime"
)

const (
	consoleHistory = 8
	consoleLogs    = 10
	consoleTick    = 500 * time.Millisecond
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	logStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func consoleCmd(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	g.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fnhost %s", commands["console"].usage)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("console requires a terminal")
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logs := newLineBuffer(consoleLogs)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(logs), level)

	ctx := context.Background()
	a, err := setup(ctx, cfg, zap.New(core))
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	p := tea.NewProgram(newConsoleModel(a, fs.Arg(0), logs), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// lineBuffer keeps the last n lines written to it.
type lineBuffer struct {
	lines []string
	n     int
	mu    sync.Mutex
}

func newLineBuffer(n int) *lineBuffer {
	return &lineBuffer{n: n}
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		b.lines = append(b.lines, line)
	}
	if over := len(b.lines) - b.n; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
	return len(p), nil
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

type consoleEntry struct {
	err       error
	input     string
	requestID string
	status    response.Status
	elapsed   time.Duration
	published bool
}

type consoleModel struct {
	err      error
	app      *app
	comp     *runtime.Component
	logs     *lineBuffer
	path     string
	history  []consoleEntry
	input    textinput.Model
	seq      int
	pending  int
	issued   int
	running  bool
	quitting bool
}

type loadedMsg struct {
	err  error
	comp *runtime.Component
}

type invokedMsg consoleEntry

type tickMsg time.Time

func newConsoleModel(a *app, path string, logs *lineBuffer) *consoleModel {
	ti := textinput.New()
	ti.Placeholder = "guest input"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &consoleModel{app: a, path: path, logs: logs, input: ti}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(m.load, textinput.Blink, tick())
}

func tick() tea.Cmd {
	return tea.Tick(consoleTick, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *consoleModel) load() tea.Msg {
	comp, err := m.app.host.Load(context.Background(), m.path, runtime.LoadOptions{})
	return loadedMsg{comp: comp, err: err}
}

func (m *consoleModel) invoke(input string, requestID string) tea.Cmd {
	comp := m.comp
	return func() tea.Msg {
		began := time.Now()
		var outcome response.First
		_, err := m.app.host.Invoke(context.Background(), comp, []byte(input), runtime.LinkOptions{
			Dispatcher: m.app.dispatcher,
			Sender:     &outcome,
			RequestID:  requestID,
			Stdout:     m.logs,
			Stderr:     m.logs,
			Flavor:     m.app.flavor(),
		})
		status, ok := outcome.Status()
		return invokedMsg{
			input:     input,
			requestID: requestID,
			status:    status,
			published: ok,
			err:       err,
			elapsed:   time.Since(began),
		}
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if m.comp == nil || m.running {
				return m, nil
			}
			m.seq++
			m.running = true
			value := m.input.Value()
			m.input.Reset()
			return m, m.invoke(value, fmt.Sprintf("console-%d", m.seq))
		}

	case loadedMsg:
		m.err = msg.err
		m.comp = msg.comp
		return m, nil

	case invokedMsg:
		m.running = false
		m.history = append(m.history, consoleEntry(msg))
		if over := len(m.history) - consoleHistory; over > 0 {
			m.history = m.history[over:]
		}
		return m, nil

	case tickMsg:
		m.pending = m.app.dispatcher.Pending()
		m.issued = m.app.dispatcher.Outstanding()
		return m, tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *consoleModel) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}
	if m.comp == nil {
		return "Loading component..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("fnhost console"))
	b.WriteString(" ")
	b.WriteString(m.path)
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("target %s  mode %s  flavor %s  awaiting %d  unpolled %d",
		m.comp.Target, m.comp.Mode, m.app.flavor(), m.issued, m.pending)))
	b.WriteString("\n\n")

	for _, e := range m.history {
		b.WriteString(labelStyle.Render(fmt.Sprintf("[%s %s] ", e.requestID, e.elapsed.Round(time.Microsecond))))
		b.WriteString(e.input)
		b.WriteString("\n  ")
		b.WriteString(renderEntry(e))
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	if lines := m.logs.Lines(); len(lines) > 0 {
		for _, line := range lines {
			b.WriteString(logStyle.Render(line))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	if m.running {
		b.WriteString(helpStyle.Render("running..."))
	} else {
		b.WriteString(helpStyle.Render("enter invoke • esc quit"))
	}
	return b.String()
}

func renderEntry(e consoleEntry) string {
	switch {
	case e.err != nil && !e.published:
		return errorStyle.Render(e.err.Error())
	case !e.published:
		return errorStyle.Render("no outcome published")
	case e.status.Kind == response.Success:
		return resultStyle.Render(string(e.status.Body))
	case e.status.Kind == response.Exited:
		return errorStyle.Render(fmt.Sprintf("exited (%d)", e.status.Code))
	}
	return errorStyle.Render(fmt.Sprintf("%s: %s", e.status.Kind, e.status.Body))
}
