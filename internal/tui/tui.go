// Package tui renders a live view of a fetch run. The view is fed by the
// event bus and replaces the plain console lines when enabled.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/session"
)

const maxLines = 12

var (
	colorBorder   = lipgloss.Color("#4b5563")
	colorDimmed   = lipgloss.Color("#6b7280")
	colorBright   = lipgloss.Color("#f9fafb")
	colorFetching = lipgloss.Color("#2563eb")
	colorComplete = lipgloss.Color("#16a34a")
	colorErrored  = lipgloss.Color("#dc2626")
	colorWarning  = lipgloss.Color("#d97706")
)

type eventMsg events.Event

// DoneMsg ends the view once the run has finished.
type DoneMsg struct {
	Status session.FetchStatus
	Reason string
}

type keyMap struct {
	Quit key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "abort")),
	}
}

// Model is the Bubble Tea model of the live view.
type Model struct {
	request  string
	maxPolls int
	keys     keyMap
	spinner  spinner.Model
	onAbort  func()

	status    session.FetchStatus
	connected bool
	polls     int
	accepted  string
	lines     []string
	done      *DoneMsg
	width     int
}

// New creates the view for request. onAbort is called when the user quits
// before the run is done.
func New(request string, maxPolls int, onAbort func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorFetching)
	return Model{
		request:  request,
		maxPolls: maxPolls,
		keys:     defaultKeyMap(),
		spinner:  sp,
		onAbort:  onAbort,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			if m.done == nil && m.onAbort != nil {
				m.onAbort()
			}
			return m, tea.Quit
		}
		return m, nil

	case eventMsg:
		m.apply(events.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = &msg
		m.status = msg.Status
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(ev events.Event) {
	switch ev.Type {
	case events.TypeFetchStatus:
		if st, ok := ev.Data.(session.FetchStatus); ok {
			m.status = st
		}
	case events.TypeBotStatus:
		if c, ok := ev.Data.(bool); ok {
			m.connected = c
		}
	case events.TypePoll:
		m.polls++
	case events.TypeAcceptedTransfer:
		if data, ok := ev.Data.(map[string]any); ok {
			m.accepted, _ = data["safe-filename"].(string)
		}
	}

	m.lines = append(m.lines, events.Format(ev))
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func statusColor(s session.FetchStatus) lipgloss.Color {
	switch s {
	case session.Fetching:
		return colorFetching
	case session.Completed:
		return colorComplete
	case session.Failed:
		return colorErrored
	default:
		return colorDimmed
	}
}

func (m Model) View() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(colorBright).
		Render(fmt.Sprintf("fetch %q", m.request))

	indicator := m.spinner.View()
	if m.done != nil {
		indicator = "■"
	}
	status := lipgloss.NewStyle().Foreground(statusColor(m.status)).Render(m.status.String())

	conn := lipgloss.NewStyle().Foreground(colorWarning).Render("○ offline")
	if m.connected {
		conn = lipgloss.NewStyle().Foreground(colorComplete).Render("● connected")
	}

	sep := lipgloss.NewStyle().Foreground(colorBorder).Render(" | ")
	header := indicator + " " + title + sep + status + sep + conn +
		sep + fmt.Sprintf("poll %d/%d", m.polls, m.maxPolls)
	if m.accepted != "" {
		header += sep + lipgloss.NewStyle().Foreground(colorComplete).Render(m.accepted)
	}

	body := lipgloss.NewStyle().Foreground(colorDimmed).Render("waiting for events...")
	if len(m.lines) > 0 {
		body = strings.Join(m.lines, "\n")
	}

	footer := lipgloss.NewStyle().Foreground(colorDimmed).Render("q abort")
	if m.done != nil {
		footer = fmt.Sprintf("finished: %s (%s)", m.done.Status, m.done.Reason)
	}

	box := lipgloss.NewStyle().
		Width(width-2).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1)
	return box.Render(header+"\n\n"+body) + "\n" + footer + "\n"
}

// Program runs the view and feeds it bus events.
type Program struct {
	p *tea.Program
}

func NewProgram(m Model, opts ...tea.ProgramOption) *Program {
	return &Program{p: tea.NewProgram(m, opts...)}
}

// Handler returns the bus handler forwarding events to the view. It blocks
// until the program is running and returns immediately once it exited.
func (p *Program) Handler() events.Handler {
	return func(ev events.Event) {
		p.p.Send(eventMsg(ev))
	}
}

// Done tells the view the run is over.
func (p *Program) Done(status session.FetchStatus, reason string) {
	p.p.Send(DoneMsg{Status: status, Reason: reason})
}

func (p *Program) Run() error {
	_, err := p.p.Run()
	return err
}
