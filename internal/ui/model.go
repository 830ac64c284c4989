package ui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/chat"
)

// ChatOptions connects the chat view to a session.
type ChatOptions struct {
	View    func() chat.View   // snapshot of the active conversation
	Send    func(string) error // posts a user message
	State   func() string      // connection state for the footer
	Refresh time.Duration      // redraw interval; default 100ms
	Now     func() time.Time

	// Artifact returns the focused file, if any. Save writes it back (ctrl+s).
	Artifact func() (artifact.Buffer, bool)
	Save     func() error
}

type refreshMsg struct{}

type sendResultMsg struct{ err error }

type saveResultMsg struct{ err error }

// ChatModel is the interactive `wd chat` view.
type ChatModel struct {
	opts       ChatOptions
	width      int
	height     int
	transcript TranscriptModel
	input      InputModel
	renderer   *Renderer
	theme      Theme
	live       *LiveBlock
	view       chat.View
	file       artifact.Buffer
	hasFile    bool
	lastErr    string
}

func NewChatModel(opts ChatOptions) ChatModel {
	if opts.Refresh <= 0 {
		opts.Refresh = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	theme := DefaultTheme()
	r := NewRenderer(theme)
	return ChatModel{
		opts:       opts,
		transcript: NewTranscriptModel(r),
		input:      NewInputModel(),
		renderer:   r,
		theme:      theme,
	}
}

func (m ChatModel) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(m.input.Init(), m.tick())
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width)
		m.transcript.SetSize(msg.Width, msg.Height-7) // input box and footer

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			text, ok := m.input.Submit()
			if !ok {
				return m, nil
			}
			m.lastErr = ""
			send := m.opts.Send
			return m, func() tea.Msg { return sendResultMsg{err: send(text)} }
		case "ctrl+s":
			if m.opts.Save == nil || !m.hasFile {
				return m, nil
			}
			m.lastErr = ""
			save := m.opts.Save
			return m, func() tea.Msg { return saveResultMsg{err: save()} }
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.transcript, cmd = m.transcript.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	case sendResultMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		cmds = append(cmds, m.refresh())

	case saveResultMsg:
		if msg.err != nil {
			m.lastErr = "save: " + msg.err.Error()
		}
		cmds = append(cmds, m.refresh())

	case refreshMsg:
		cmds = append(cmds, m.refresh(), m.tick())

	case spinner.TickMsg:
		if m.live != nil {
			var cmd tea.Cmd
			m.live.Spinner, cmd = m.live.Spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// refresh pulls a new snapshot and moves the live indicator between
// thinking, tool use and idle. A new indicator returns its first spinner tick.
func (m *ChatModel) refresh() tea.Cmd {
	m.view = m.opts.View()
	m.transcript.SetView(m.view)
	m.input.SetBusy(m.view.Streaming)
	if m.opts.Artifact != nil {
		m.file, m.hasFile = m.opts.Artifact()
	}

	switch {
	case len(m.view.ActiveTools) > 0:
		title := strings.Join(m.view.ActiveTools, ", ")
		if m.live == nil || m.live.Kind != LiveTool || m.live.Title != title {
			m.live = NewToolBlock(title, m.opts.Now())
			return m.live.Spinner.Tick
		}
	case m.view.Streaming:
		if m.live == nil || m.live.Kind != LiveThinking {
			m.live = NewThinkingBlock(m.opts.Now())
			return m.live.Spinner.Tick
		}
	default:
		m.live = nil
	}
	return nil
}

// Busy reports whether a response is streaming.
func (m ChatModel) Busy() bool {
	return m.view.Streaming
}

// Err returns the last send error shown in the footer.
func (m ChatModel) Err() string {
	return m.lastErr
}

func (m ChatModel) View() string {
	parts := []string{m.transcript.View()}
	if m.live != nil {
		parts = append(parts, m.live.View(m.opts.Now()))
	}
	if m.hasFile {
		parts = append(parts, m.renderer.Artifact(m.file))
	}
	parts = append(parts, m.theme.InputBorder.Render(m.input.View()))

	state := "disconnected"
	if m.opts.State != nil {
		state = m.opts.State()
	}
	footer := m.renderer.Status(state, m.view)
	if m.lastErr != "" {
		footer += "  " + m.theme.ErrorMessage.Render(m.lastErr)
	}
	parts = append(parts, footer)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
