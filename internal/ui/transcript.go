package ui

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ehrlich-b/wingdesk/internal/chat"
)

// TranscriptModel scrolls the rendered conversation.
type TranscriptModel struct {
	viewport viewport.Model
	renderer *Renderer
	content  string
}

func NewTranscriptModel(r *Renderer) TranscriptModel {
	vp := viewport.New(0, 0)
	vp.SetContent(r.Welcome())
	return TranscriptModel{viewport: vp, renderer: r}
}

func (m TranscriptModel) Update(msg tea.Msg) (TranscriptModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m TranscriptModel) View() string {
	return m.viewport.View()
}

func (m *TranscriptModel) SetSize(width, height int) {
	m.viewport.Width = width
	m.viewport.Height = max(height, 1)
}

// SetView re-renders v, following the bottom if the user had not scrolled up.
func (m *TranscriptModel) SetView(v chat.View) {
	content := m.renderer.Transcript(v)
	if len(v.Messages) == 0 {
		content = m.renderer.Welcome()
	}
	if content == m.content {
		return
	}
	follow := m.viewport.AtBottom() || m.content == ""
	m.content = content
	m.viewport.SetContent(content)
	if follow {
		m.viewport.GotoBottom()
	}
}

// Content returns the rendered transcript.
func (m TranscriptModel) Content() string {
	return m.content
}
