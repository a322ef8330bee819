// Package tui renders the live operator view behind `ops watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
	"opsline/internal/supervisor"
)

const (
	refreshInterval = time.Second
	eventRows       = 15
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	stateStyles = map[supervisor.State]lipgloss.Style{
		supervisor.StateRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		supervisor.StateStale:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		supervisor.StateStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
	stepStatuses = []domain.StepStatus{domain.StepQueued, domain.StepRunning, domain.StepSucceeded, domain.StepFailed}
)

// Snapshot is one refresh worth of data.
type Snapshot struct {
	Worker           supervisor.Status
	Steps            map[domain.StepStatus]int
	PendingProposals int
	Events           []domain.Event
	At               time.Time
}

// Source produces a snapshot on every refresh.
type Source func(ctx context.Context) (Snapshot, error)

// EngineSource reads snapshots from e, with worker health from status.
func EngineSource(e engine.Engine, status func() supervisor.Status) Source {
	return func(ctx context.Context) (Snapshot, error) {
		snap := Snapshot{Steps: map[domain.StepStatus]int{}, At: time.Now()}
		if status != nil {
			snap.Worker = status()
		} else {
			snap.Worker = supervisor.Status{State: supervisor.StateStopped}
		}
		steps, err := e.ListSteps(ctx, "")
		if err != nil {
			return snap, err
		}
		for _, s := range steps {
			snap.Steps[s.Status]++
		}
		for _, p := range e.ListProposals(ctx) {
			if p.Status == domain.ProposalPending {
				snap.PendingProposals++
			}
		}
		snap.Events = e.ListEvents(ctx, repo.EventFilter{Limit: eventRows})
		return snap, nil
	}
}

type refreshMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model for the watch screen.
type Model struct {
	source Source
	events table.Model
	snap   Snapshot
	err    error
	loaded bool
	width  int
}

func New(source Source) Model {
	t := table.New(
		table.WithColumns(eventColumns(100)),
		table.WithHeight(eventRows),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)
	return Model{source: source, events: t, width: 100}
}

func eventColumns(width int) []table.Column {
	title := width - 12 - 18 - 12 - 8
	if title < 20 {
		title = 20
	}
	return []table.Column{
		{Title: "When", Width: 12},
		{Title: "Kind", Width: 18},
		{Title: "Actor", Width: 12},
		{Title: "Title", Width: title},
	}
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		snap, err := source(ctx)
		return refreshMsg{snap: snap, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.events.SetColumns(eventColumns(msg.Width))
		m.events.SetWidth(msg.Width)
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
			m.events.SetRows(eventRowsFor(msg.snap))
		}
		return m, tick()
	case tickMsg:
		return m, m.refresh()
	}
	return m, nil
}

// eventRowsFor lists events newest first.
func eventRowsFor(snap Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Events))
	for i := len(snap.Events) - 1; i >= 0; i-- {
		e := snap.Events[i]
		rows = append(rows, table.Row{
			humanize.RelTime(e.TS, snap.At, "ago", "from now"),
			string(e.Kind),
			e.Actor,
			e.Title,
		})
	}
	return rows
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ops watch"))
	b.WriteString("\n\n")
	if !m.loaded {
		if m.err != nil {
			b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		} else {
			b.WriteString("loading...")
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(labelStyle.Render("worker   "))
	b.WriteString(workerLine(m.snap))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("steps    "))
	parts := make([]string, 0, len(stepStatuses))
	for _, s := range stepStatuses {
		parts = append(parts, fmt.Sprintf("%s %d", s, m.snap.Steps[s]))
	}
	b.WriteString(strings.Join(parts, "  "))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("pending  "))
	b.WriteString(fmt.Sprintf("%d proposal(s)", m.snap.PendingProposals))
	b.WriteString("\n\n")

	b.WriteString(m.events.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("q quit  r refresh"))
	b.WriteString("\n")
	return b.String()
}

func workerLine(snap Snapshot) string {
	w := snap.Worker
	style, ok := stateStyles[w.State]
	if !ok {
		style = lipgloss.NewStyle()
	}
	line := style.Render(string(w.State))
	if w.PID > 0 {
		line += fmt.Sprintf("  pid %d", w.PID)
	}
	if w.WorkerID != "" {
		line += "  " + w.WorkerID
	}
	if w.LastTickAt != nil {
		line += "  last tick " + humanize.RelTime(*w.LastTickAt, snap.At, "ago", "from now")
	}
	if w.LastError != "" {
		line += "  " + errorStyle.Render(w.LastError)
	}
	return line
}

// Run starts the full-screen watch loop until the user quits.
func Run(source Source) error {
	_, err := tea.NewProgram(New(source), tea.WithAltScreen()).Run()
	return err
}
