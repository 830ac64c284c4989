package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/wingdesk/internal/presence"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

// PresenceTable renders records as aligned rows, one node per line.
func PresenceTable(records []presence.Record, now time.Time, theme Theme) string {
	if len(records) == 0 {
		return theme.Dim.Render("no active agents")
	}
	nameWidth := 4
	for _, r := range records {
		nameWidth = max(nameWidth, lipgloss.Width(r.Name))
	}

	var b strings.Builder
	b.WriteString(theme.Header.Render(fmt.Sprintf("  %-*s  %-7s  %-14s  %s", nameWidth, "NODE", "STATUS", "SEEN", "MODEL")))
	for _, r := range records {
		seen := "unknown"
		if r.AgeKnown {
			seen = humanize.RelTime(now.Add(-r.Age), now, "ago", "from now")
		}
		dot := theme.Status(r.Status).Render("●")
		status := theme.Status(r.Status).Render(fmt.Sprintf("%-7s", r.Status))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s %-*s  %s  %-14s  %s", dot, nameWidth, r.Name, status, seen, theme.Dim.Render(r.Model)))
	}
	return b.String()
}

type renderReadyMsg struct{}

type presenceRender struct {
	records []presence.Record
	now     time.Time
	theme   Theme
	output  string
}

func (m presenceRender) Init() tea.Cmd {
	return func() tea.Msg { return renderReadyMsg{} }
}

func (m presenceRender) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(renderReadyMsg); ok {
		m.output = PresenceTable(m.records, m.now, m.theme)
		return m, tea.Quit
	}
	return m, nil
}

func (m presenceRender) View() string { return m.output }

// RenderPresence renders records once without taking over the terminal.
func RenderPresence(records []presence.Record, now time.Time) (string, error) {
	p := tea.NewProgram(
		presenceRender{records: records, now: now, theme: DefaultTheme()},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)
	final, err := p.Run()
	if err != nil {
		return "", err
	}
	rendered, ok := final.(presenceRender)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}
	return rendered.View(), nil
}

// SnapshotMsg carries a fresh presence snapshot into a running program.
type SnapshotMsg presence.Snapshot

// PresenceModel is the live `agents --watch` view.
type PresenceModel struct {
	snap  presence.Snapshot
	now   func() time.Time
	theme Theme
	width int
}

func NewPresenceModel(now func() time.Time) PresenceModel {
	if now == nil {
		now = time.Now
	}
	return PresenceModel{now: now, theme: DefaultTheme()}
}

func (m PresenceModel) Init() tea.Cmd { return nil }

func (m PresenceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SnapshotMsg:
		m.snap = presence.Snapshot(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m PresenceModel) View() string {
	var b strings.Builder
	b.WriteString(m.theme.Title.Render("Agents"))
	if !m.snap.At.IsZero() {
		b.WriteString(m.theme.Dim.Render("  updated " + m.snap.At.Format("15:04:05")))
	}
	b.WriteString("\n\n")
	b.WriteString(PresenceTable(m.snap.Records, m.now(), m.theme))
	if m.snap.Err != nil {
		b.WriteString("\n\n")
		b.WriteString(m.theme.ErrorMessage.Render("poll failed: " + m.snap.Err.Error()))
	}
	b.WriteString("\n\n")
	b.WriteString(m.theme.Dim.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}
