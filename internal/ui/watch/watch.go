// Package watch renders a live view of the capture map in the
// terminal. It polls the map on an interval, so it can sit on a
// file-backed mapping while another process fills it.
package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/tarsier/internal/cmplog"
)

// DefaultInterval is the refresh period when the caller passes zero.
const DefaultInterval = 500 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("81")).
			Background(lipgloss.Color("236")).
			Padding(0, 2).
			Margin(1, 0)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
)

type keyMap struct {
	Up    key.Binding
	Down  key.Binding
	Pause key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Pause, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Pause, k.Quit},
	}
}

var keys = keyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
	Quit:  key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q/esc", "quit")),
}

type tickMsg time.Time

// Model is the watch TUI state. Exported for the cmd layer and tests;
// drive it through Update/View like any bubbletea model.
type Model struct {
	m        *cmplog.Map
	interval time.Duration
	table    table.Model
	help     help.Model
	paused   bool
	quitting bool
	rows     int
	updated  time.Time
}

// New builds a model over a capture map. The map may be shared with a
// writer in another process.
func New(m *cmplog.Map, interval time.Duration) *Model {
	if interval <= 0 {
		interval = DefaultInterval
	}

	columns := []table.Column{
		{Title: "Slot", Width: 6},
		{Title: "Kind", Width: 12},
		{Title: "W", Width: 3},
		{Title: "Operand A", Width: 26},
		{Title: "Operand B", Width: 26},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(20))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("245"))
	t.SetStyles(styles)

	mod := &Model{
		m:        m,
		interval: interval,
		table:    t,
		help:     help.New(),
	}
	mod.refresh()
	return mod
}

// refresh re-reads the map into the table.
func (m *Model) refresh() {
	captures := m.m.Used(0)
	rows := make([]table.Row, len(captures))
	for i, c := range captures {
		opA, opB := formatOperands(c.Row)
		rows[i] = table.Row{
			strconv.FormatUint(c.Slot, 10),
			kindName(c.Kind),
			strconv.Itoa(int(c.Width)),
			opA,
			opB,
		}
	}
	m.table.SetRows(rows)
	m.rows = len(rows)
	m.updated = time.Now()
}

func kindName(kind uint8) string {
	switch kind {
	case cmplog.KindInstruction:
		return "instruction"
	case cmplog.KindRoutine:
		return "routine"
	}
	return "?"
}

func formatOperands(r cmplog.Row) (string, string) {
	if r.Kind == cmplog.KindRoutine {
		return quoteBytes(r.A[:r.Width]), quoteBytes(r.B[:r.Width])
	}
	return fmt.Sprintf("0x%x", r.ValueA()), fmt.Sprintf("0x%x", r.ValueB())
}

func quoteBytes(b []byte) string {
	s := strconv.Quote(string(b))
	if len(s) > 26 {
		s = s[:23] + "..."
	}
	return s
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			m.table.MoveUp(1)
		case key.Matches(msg, keys.Down):
			m.table.MoveDown(1)
		case key.Matches(msg, keys.Pause):
			m.paused = !m.paused
		}
	case tickMsg:
		if !m.paused {
			m.refresh()
		}
		// Keep ticking while paused so resume picks up immediately.
		return m, m.tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("tarsier capture map") + "\n")
	b.WriteString(m.table.View() + "\n")

	status := fmt.Sprintf("%d rows · refreshed %s", m.rows, m.updated.Format("15:04:05"))
	if m.paused {
		b.WriteString(pausedStyle.Render("paused") + " " + statusStyle.Render(status) + "\n")
	} else {
		b.WriteString(statusStyle.Render(status) + "\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

// Run blocks in the TUI until the user quits.
func Run(m *cmplog.Map, interval time.Duration) error {
	p := tea.NewProgram(New(m, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
