// Package progress is the terminal view shown while a render runs.
package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
)

const barWidth = 40

// ChunkMsg reports that done of total timeline events have been rendered.
type ChunkMsg struct {
	Done  int
	Total int
}

// DoneMsg ends the view. Err is nil on success.
type DoneMsg struct {
	Err error
}

type keyMap struct {
	Cancel key.Binding
}

func (k keyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Cancel} }
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Cancel: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "cancel render")),
}

type Model struct {
	Title      string
	updates    <-chan tea.Msg
	cancel     func()
	bar        progress.Model
	help       help.Model
	done       int
	total      int
	cancelling bool
	finished   bool
	err        error
}

// NewModel reads progress from updates until a DoneMsg arrives. cancel is
// called when the user interrupts.
func NewModel(title string, updates <-chan tea.Msg, cancel func()) Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth))
	return Model{Title: title, updates: updates, cancel: cancel, bar: bar, help: help.New()}
}

func listen(updates <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-updates
		if !ok {
			return DoneMsg{}
		}
		return msg
	}
}

func (m Model) Init() tea.Cmd {
	return listen(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Cancel) && !m.cancelling {
			m.cancelling = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		// the render reports its own end; keep waiting for DoneMsg

	case ChunkMsg:
		m.done, m.total = msg.Done, msg.Total
		return m, listen(m.updates)

	case DoneMsg:
		m.finished = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

// Err is the error the render finished with, if any.
func (m Model) Err() error { return m.err }

func (m Model) percent() float64 {
	if m.total <= 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.Title))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.percent()))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(errStyle.Render("failed: " + m.err.Error()))
	case m.finished:
		b.WriteString(statusStyle.Render("done"))
	case m.cancelling:
		b.WriteString(statusStyle.Render("cancelling"))
	case m.total > 0:
		b.WriteString(statusStyle.Render(fmt.Sprintf("Rendering audio chunk %d of %d", m.done, m.total)))
	default:
		b.WriteString(statusStyle.Render("loading instruments"))
	}
	b.WriteString("\n")
	if !m.finished {
		b.WriteString(m.help.View(keys))
		b.WriteString("\n")
	}
	return b.String()
}
