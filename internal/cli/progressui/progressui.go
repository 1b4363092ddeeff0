// Package progressui is the flash-progress Bubble Tea screen rendered by
// cmd/cli's flash subcommand: a partition name, a byte-progress bar,
// current speed and a trailing log tail, fed by an internal/eventbus
// subscription channel that waitForEvent turns into Bubble Tea messages.
package progressui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"flashkit/internal/eventbus"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2563EB"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

const barWidth = 40
const maxLogLines = 8

// ProgressMsg, LogMsg and DoneMsg wrap the eventbus.Event variants the
// model reacts to; waitForEvent translates bus events into these.
type ProgressMsg eventbus.ProgressEvent
type LogMsg eventbus.LogEvent
type DoneMsg struct {
	Err error
}

// Model renders one session's flash progress.
type Model struct {
	SessionID string
	deviceID  string

	partition   string
	bytesDone   int64
	bytesTotal  int64
	bytesPerSec float64

	logs []string
	err  error
	done bool

	bar    progress.Model
	events <-chan eventbus.Event
}

// New returns a Model that reads from events until Done fires.
func New(deviceID string, events <-chan eventbus.Event) Model {
	return Model{
		deviceID: deviceID,
		events:   events,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan eventbus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return DoneMsg{}
		}
		switch ev.Kind {
		case eventbus.EventProgress:
			return ProgressMsg(*ev.Progress)
		case eventbus.EventLog:
			return LogMsg(*ev.Log)
		default:
			return nil
		}
	}
}

// SetResult lets the caller push the orchestrator's terminal error (if
// any) once Run returns, independent of the event stream closing.
func SetResult(p *tea.Program, err error) {
	p.Send(DoneMsg{Err: err})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case ProgressMsg:
		m.partition = v.PartitionName
		m.bytesDone = v.BytesDone
		m.bytesTotal = v.BytesTotal
		m.bytesPerSec = v.BytesPerSec
		return m, waitForEvent(m.events)
	case LogMsg:
		line := renderLogLine(v)
		m.logs = append(m.logs, line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		return m, waitForEvent(m.events)
	case DoneMsg:
		m.done = true
		m.err = v.Err
		return m, tea.Quit
	case tea.KeyMsg:
		if v.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func renderLogLine(l eventbus.LogEvent) string {
	switch l.Level {
	case eventbus.LogWarn:
		return warnStyle.Render("WARN  " + l.Message)
	case eventbus.LogError:
		return errStyle.Render("ERROR " + l.Message)
	default:
		return dimStyle.Render(l.Message)
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("flashkit  %s", m.deviceID)))
	b.WriteString("\n\n")

	pct := 0.0
	if m.bytesTotal > 0 {
		pct = float64(m.bytesDone) / float64(m.bytesTotal)
	}
	bar := m.bar.ViewAs(pct)

	eta := "--"
	if m.bytesPerSec > 0 && m.bytesTotal > m.bytesDone {
		remaining := float64(m.bytesTotal-m.bytesDone) / m.bytesPerSec
		eta = time.Duration(remaining * float64(time.Second)).Round(time.Second).String()
	}

	b.WriteString(fmt.Sprintf("%-20s %s %5.1f%%\n", m.partition, bar, pct*100))
	b.WriteString(dimStyle.Render(fmt.Sprintf("%.1f MB/s  eta %s\n\n", m.bytesPerSec/1e6, eta)))

	for _, line := range m.logs {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.done {
		if m.err != nil {
			b.WriteString("\n" + errStyle.Render("failed: "+m.err.Error()) + "\n")
		} else {
			b.WriteString("\n" + titleStyle.Render("done") + "\n")
		}
	}
	return b.String()
}
