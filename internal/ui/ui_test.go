package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/chat"
	"github.com/ehrlich-b/wingdesk/internal/presence"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func records() []presence.Record {
	return []presence.Record{
		{Name: "Nova", Status: presence.StatusActive, Age: 30 * time.Second, AgeKnown: true, Model: "opus"},
		{Name: "Orion", Status: presence.StatusError, Age: 2 * time.Hour, AgeKnown: true},
		{Name: "Node [ab12]", Status: presence.StatusIdle},
	}
}

func TestPresenceTable(t *testing.T) {
	out := PresenceTable(records(), now, DefaultTheme())
	assert.Contains(t, out, "NODE")
	assert.Contains(t, out, "Nova")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "30 seconds ago")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "opus")

	assert.Contains(t, PresenceTable(nil, now, DefaultTheme()), "no active agents")
}

func TestRenderPresenceOneShot(t *testing.T) {
	out, err := RenderPresence(records(), now)
	require.NoError(t, err)
	assert.Equal(t, PresenceTable(records(), now, DefaultTheme()), out)
}

func TestPresenceModel(t *testing.T) {
	m := NewPresenceModel(func() time.Time { return now })
	next, _ := m.Update(SnapshotMsg{Records: records(), At: now})
	view := next.View()
	assert.Contains(t, view, "Orion")
	assert.Contains(t, view, "updated 12:00:00")

	next, _ = next.Update(SnapshotMsg{Records: records(), At: now, Err: errors.New("boom")})
	assert.Contains(t, next.View(), "poll failed: boom")

	_, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRendererAssistantStates(t *testing.T) {
	r := NewRenderer(DefaultTheme())

	sealed := r.Assistant(chat.Message{Role: chat.RoleAssistant, Content: "done", State: chat.StateSealed})
	assert.Contains(t, sealed, "done")
	assert.NotContains(t, sealed, "interrupted")

	cut := r.Assistant(chat.Message{Role: chat.RoleAssistant, Content: "par", State: chat.StateInterrupted})
	assert.Contains(t, cut, "par")
	assert.Contains(t, cut, "[interrupted]")

	open := r.Assistant(chat.Message{Role: chat.RoleAssistant, Content: "str", State: chat.StateOpen})
	assert.Contains(t, open, "▍")
}

func TestRendererStatus(t *testing.T) {
	r := NewRenderer(DefaultTheme())
	out := r.Status("connected", chat.View{Model: "sonnet", SessionTokens: 1200, TotalTokens: 45000, ActiveTools: []string{"bash"}})
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "sonnet")
	assert.Contains(t, out, "1,200 tokens (45,000 total)")
	assert.Contains(t, out, "tools: bash")
}

type fakeChat struct {
	view chat.View
	sent []string
	err  error
}

func (f *fakeChat) options() ChatOptions {
	return ChatOptions{
		View:  func() chat.View { return f.view },
		Send:  func(s string) error { f.sent = append(f.sent, s); return f.err },
		State: func() string { return "connected" },
		Now:   func() time.Time { return now },
	}
}

func TestChatModelSend(t *testing.T) {
	fc := &fakeChat{}
	var m tea.Model = NewChatModel(fc.options())
	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	for _, r := range "hello" {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, []string{"hello"}, fc.sent)

	m, _ = m.Update(msg)
	assert.Empty(t, m.(ChatModel).Err())
	assert.Empty(t, m.(ChatModel).input.Value(), "input cleared after send")
}

func TestChatModelSendError(t *testing.T) {
	fc := &fakeChat{err: errors.New("not connected")}
	var m tea.Model = NewChatModel(fc.options())
	m, _ = m.Update(sendResultMsg{err: fc.err})
	assert.Equal(t, "not connected", m.(ChatModel).Err())
	assert.Contains(t, m.View(), "not connected")
}

func TestChatModelLiveIndicator(t *testing.T) {
	fc := &fakeChat{}
	var m tea.Model = NewChatModel(fc.options())

	fc.view = chat.View{
		Streaming: true,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "q", State: chat.StateSealed},
			{Role: chat.RoleAssistant, Content: "partial", State: chat.StateOpen},
		},
	}
	m, _ = m.Update(refreshMsg{})
	cm := m.(ChatModel)
	require.NotNil(t, cm.live)
	assert.Equal(t, LiveThinking, cm.live.Kind)
	assert.True(t, cm.Busy())
	assert.Contains(t, cm.transcript.Content(), "partial")

	fc.view.ActiveTools = []string{"search"}
	m, _ = m.Update(refreshMsg{})
	cm = m.(ChatModel)
	assert.Equal(t, LiveTool, cm.live.Kind)
	assert.Equal(t, "search", cm.live.Title)

	fc.view.Streaming = false
	fc.view.ActiveTools = nil
	m, _ = m.Update(refreshMsg{})
	assert.Nil(t, m.(ChatModel).live)
}

func TestInputSubmit(t *testing.T) {
	in := NewInputModel()
	in.SetValue("   ")
	_, ok := in.Submit()
	assert.False(t, ok)

	in.SetValue("  hi there \n")
	text, ok := in.Submit()
	require.True(t, ok)
	assert.Equal(t, "hi there", text)
	assert.Empty(t, in.Value())
}

func TestLiveBlockView(t *testing.T) {
	lb := NewToolBlock("bash, search", now)
	assert.Contains(t, lb.View(now), "using bash, search")
	assert.NotContains(t, lb.View(now), "0s")
	assert.Contains(t, lb.View(now.Add(75*time.Second)), "1m15s")

	assert.Contains(t, NewThinkingBlock(now).View(now.Add(3*time.Second)), "3s")
	assert.Equal(t, "59s", elapsed(59*time.Second))
}

func TestRendererArtifact(t *testing.T) {
	r := NewRenderer(DefaultTheme())
	tests := []struct {
		buf  artifact.Buffer
		want string
	}{
		{artifact.Buffer{Path: "notes/todo.md", Content: "- ship", Streaming: true}, "todo.md · streaming · 6 B"},
		{artifact.Buffer{Path: "a.go", Interrupted: true}, "a.go · interrupted"},
		{artifact.Buffer{Path: "a.go", Dirty: true}, "a.go · modified"},
		{artifact.Buffer{Path: "a.go"}, "a.go · saved"},
	}
	for _, tt := range tests {
		assert.Contains(t, r.Artifact(tt.buf), tt.want)
	}
}

func TestChatModelFocusedFile(t *testing.T) {
	fc := &fakeChat{}
	buf := artifact.Buffer{Path: "notes/todo.md", Content: "- ship", Focused: true, Dirty: true}
	saves := 0
	opts := fc.options()
	opts.Artifact = func() (artifact.Buffer, bool) { return buf, buf.Path != "" }
	opts.Save = func() error { saves++; return errors.New("offline") }

	var m tea.Model = NewChatModel(opts)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	assert.Nil(t, cmd, "nothing to save before the first refresh")

	m, _ = m.Update(refreshMsg{})
	assert.Contains(t, m.View(), "todo.md · modified")

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	assert.Equal(t, 1, saves)
	assert.Equal(t, "save: offline", m.(ChatModel).Err())

	buf = artifact.Buffer{}
	m, _ = m.Update(refreshMsg{})
	assert.NotContains(t, m.View(), "✎")
}
