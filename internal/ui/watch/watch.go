// Package watch implements the bubbletea TUI behind `shadowhookctl watch`:
// a scrolling, colorized feed of every trace.Event the dispatcher emits,
// rendered in a bubbles viewport so the history can be scrolled back.
package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shadowhook/vtxhook/internal/trace"
	"github.com/shadowhook/vtxhook/internal/ui/colorize"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorize.IDALabel))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

// EventMsg wraps one trace.Event as a tea.Msg.
type EventMsg *trace.Event

// Model is the bubbletea model for the watch view: a capped ring of the
// most recent events rendered into a scrollable viewport.
type Model struct {
	events   []*trace.Event
	capacity int
	active   bool
	ready    bool
	vp       viewport.Model
}

// New returns a Model that keeps the last capacity events.
func New(capacity int) Model {
	return Model{capacity: capacity}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		vpHeight := msg.Height - headerHeight - footerHeight
		if !m.ready {
			m.vp = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = vpHeight
		}
		m.vp.SetContent(m.renderEvents())

	case EventMsg:
		m.events = append(m.events, msg)
		if len(m.events) > m.capacity {
			m.events = m.events[len(m.events)-m.capacity:]
		}
		if m.ready {
			m.vp.SetContent(m.renderEvents())
			m.vp.GotoBottom()
		}

	case activeMsg:
		m.active = bool(msg)
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}

	status := "disabled"
	if m.active {
		status = "enabled"
	}
	header := headerStyle.Render(fmt.Sprintf("shadowhook watch — hooks %s", status))
	footer := footerStyle.Render(fmt.Sprintf("%d events — q to quit, ↑/↓ to scroll", len(m.events)))

	return header + "\n\n" + m.vp.View() + "\n" + footer
}

func (m Model) renderEvents() string {
	lines := make([]string, len(m.events))
	for i, e := range m.events {
		lines[i] = renderEvent(e)
	}
	return strings.Join(lines, "\n")
}

func renderEvent(e *trace.Event) string {
	tag := colorize.Tag(e.PrimaryTag())
	addr := colorize.Address(e.PageBase)
	return fmt.Sprintf("cpu=%d %s %s %s", e.CPU, tag, addr, colorize.Detail(e.Detail))
}

// activeMsg carries Dispatcher.Active() transitions into the TUI.
type activeMsg bool

// ActiveMsg constructs a tea.Msg reflecting whether hooks are enabled.
func ActiveMsg(active bool) tea.Msg {
	return activeMsg(active)
}
