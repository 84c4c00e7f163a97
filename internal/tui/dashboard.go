// Package tui renders a live-refreshing terminal view of the dashboard
// snapshot, for `orchestrator dashboard --watch`. Grounded on the Elm
// architecture (Model/Update/View) and list-rendering style of
// internal/tui/app.go from the pack's terminal-UI example repo.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Row is one dashboard line, decoupled from the control package's job
// shape so this package stays reusable and test-friendly.
type Row struct {
	JobID      string
	PresetID   string
	State      string
	ActiveStep string
	ETA        string
}

// FetchFunc retrieves the current dashboard rows, e.g. by dialing the
// orchestrator's control socket.
type FetchFunc func() ([]Row, error)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	stateColors = map[string]lipgloss.Color{
		"queued":    lipgloss.Color("244"),
		"running":   lipgloss.Color("220"),
		"succeeded": lipgloss.Color("42"),
		"failed":    lipgloss.Color("203"),
		"canceled":  lipgloss.Color("245"),
	}
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type tickMsg time.Time

type rowsMsg struct {
	rows []Row
	err  error
}

// Model is the bubbletea model backing the dashboard watch view.
type Model struct {
	fetch    FetchFunc
	interval time.Duration
	rows     []Row
	err      error
	quitting bool
}

// NewModel builds a dashboard Model that polls fetch every interval.
func NewModel(fetch FetchFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{fetch: fetch, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.fetch()
		return rowsMsg{rows: rows, err: err}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case rowsMsg:
		m.rows = v.rows
		m.err = v.err
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-22s %-22s %-10s %-24s %s\n", "JOB", "PRESET", "STATE", "ACTIVE STEP", "ETA")))
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
	}
	for _, r := range m.rows {
		style := lipgloss.NewStyle()
		if c, ok := stateColors[r.State]; ok {
			style = style.Foreground(c)
		}
		b.WriteString(style.Render(fmt.Sprintf("%-22s %-22s %-10s %-24s %s", truncate(r.JobID, 22), truncate(r.PresetID, 22), r.State, truncate(r.ActiveStep, 24), r.ETA)))
		b.WriteString("\n")
	}
	if len(m.rows) == 0 && m.err == nil {
		b.WriteString("(no jobs yet)\n")
	}
	b.WriteString("\npress q to quit\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
