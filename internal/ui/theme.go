package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ehrlich-b/wingdesk/internal/presence"
)

type Theme struct {
	// Message styles
	UserMessage        lipgloss.Style
	UserMessageContent lipgloss.Style
	AgentMessage       lipgloss.Style
	SystemMessage      lipgloss.Style
	ErrorMessage       lipgloss.Style
	Interrupted        lipgloss.Style

	// Input styles
	InputBorder lipgloss.Style

	// Status bar and presence
	StatusBar   lipgloss.Style
	Title       lipgloss.Style
	Header      lipgloss.Style
	Dim         lipgloss.Style
	StatusIdle  lipgloss.Style
	StatusLive  lipgloss.Style
	StatusError lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		UserMessage: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")). // Blue
			Bold(true),

		UserMessageContent: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")), // Light gray

		AgentMessage: lipgloss.NewStyle().
			Foreground(lipgloss.Color("76")), // Green

		SystemMessage: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")). // Gray
			Italic(true),

		ErrorMessage: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true),

		Interrupted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")). // Orange
			Italic(true),

		InputBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1),

		StatusBar: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		Title:  lipgloss.NewStyle().Bold(true),
		Header: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Dim:    lipgloss.NewStyle().Faint(true),

		StatusIdle:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		StatusLive:  lipgloss.NewStyle().Foreground(lipgloss.Color("76")).Bold(true),
		StatusError: lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	}
}

// Status picks the style for a presence status.
func (t Theme) Status(s presence.Status) lipgloss.Style {
	switch s {
	case presence.StatusActive:
		return t.StatusLive
	case presence.StatusError:
		return t.StatusError
	default:
		return t.StatusIdle
	}
}
