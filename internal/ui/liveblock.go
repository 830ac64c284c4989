package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

type LiveKind int

const (
	LiveThinking LiveKind = iota
	LiveTool
)

// LiveBlock is the indicator above the composer while a reply streams or a
// tool runs. Title is the comma-joined tool set for LiveTool.
type LiveBlock struct {
	Kind      LiveKind
	Title     string
	StartedAt time.Time
	Spinner   spinner.Model
	style     lipgloss.Style
	dim       lipgloss.Style
}

func newLiveBlock(kind LiveKind, title string, now time.Time, theme Theme) *LiveBlock {
	s := spinner.New()
	if kind == LiveTool {
		s.Spinner = spinner.MiniDot
	} else {
		s.Spinner = spinner.Dot
	}
	s.Style = theme.StatusLive
	return &LiveBlock{
		Kind:      kind,
		Title:     title,
		StartedAt: now,
		Spinner:   s,
		style:     theme.AgentMessage,
		dim:       theme.Dim,
	}
}

func NewThinkingBlock(now time.Time) *LiveBlock {
	return newLiveBlock(LiveThinking, "writing", now, DefaultTheme())
}

func NewToolBlock(tools string, now time.Time) *LiveBlock {
	return newLiveBlock(LiveTool, tools, now, DefaultTheme())
}

func (lb *LiveBlock) label() string {
	if lb.Kind == LiveTool {
		return "using " + lb.Title
	}
	return lb.Title + "…"
}

func (lb *LiveBlock) View(now time.Time) string {
	out := lb.Spinner.View() + " " + lb.style.Render(lb.label())
	if d := now.Sub(lb.StartedAt); d >= time.Second {
		out += " " + lb.dim.Render(elapsed(d))
	}
	return out
}

// elapsed formats d as "7s" or "2m05s".
func elapsed(d time.Duration) string {
	s := int(d / time.Second)
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	return fmt.Sprintf("%dm%02ds", s/60, s%60)
}
