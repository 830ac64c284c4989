package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	idlePlaceholder = "Message the assistant (Enter to send, Alt+Enter for a new line)"
	busyPlaceholder = "Waiting for the reply…"
	maxInputChars   = 32_000
)

// InputModel is the message composer. Enter is left to the parent; a new
// line is Alt+Enter or Ctrl+J.
type InputModel struct {
	textarea textarea.Model
}

func NewInputModel() InputModel {
	ta := textarea.New()
	ta.Placeholder = idlePlaceholder
	ta.CharLimit = maxInputChars
	ta.ShowLineNumbers = false
	ta.Prompt = "› "
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()
	return InputModel{textarea: ta}
}

func (m InputModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m InputModel) Update(msg tea.Msg) (InputModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok && k.Type == tea.KeyEnter && !k.Alt {
		return m, nil
	}
	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m InputModel) View() string {
	return m.textarea.View()
}

func (m InputModel) Value() string {
	return m.textarea.Value()
}

// Submit returns the trimmed text and clears the composer. Blank input is
// left in place and reported as false.
func (m *InputModel) Submit() (string, bool) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return "", false
	}
	m.textarea.Reset()
	return text, true
}

// SetBusy swaps the placeholder while a reply streams.
func (m *InputModel) SetBusy(busy bool) {
	if busy {
		m.textarea.Placeholder = busyPlaceholder
	} else {
		m.textarea.Placeholder = idlePlaceholder
	}
}

func (m *InputModel) SetValue(s string) {
	m.textarea.SetValue(s)
}

// SetWidth sizes the composer inside its rounded border.
func (m *InputModel) SetWidth(width int) {
	m.textarea.SetWidth(max(width-4, 10))
}
