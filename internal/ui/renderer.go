package ui

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/chat"
)

// Renderer handles ANSI-styled rendering of chat state for scrollback and views.
type Renderer struct {
	theme Theme
}

func NewRenderer(theme Theme) *Renderer {
	return &Renderer{theme: theme}
}

// User renders a user message.
func (r *Renderer) User(content string) string {
	return r.theme.UserMessage.Render("You:") + " " + r.theme.UserMessageContent.Render(content) + "\n\n"
}

// Assistant renders an assistant message in any state. An open message shows
// a cursor; an interrupted one keeps its text and is flagged.
func (r *Renderer) Assistant(m chat.Message) string {
	body := r.theme.AgentMessage.Render(m.Content)
	switch m.State {
	case chat.StateOpen:
		return body + r.theme.Dim.Render("▍") + "\n\n"
	case chat.StateInterrupted:
		return body + "\n" + r.theme.Interrupted.Render("[interrupted]") + "\n\n"
	default:
		return body + "\n\n"
	}
}

// Message dispatches on role.
func (r *Renderer) Message(m chat.Message) string {
	switch m.Role {
	case chat.RoleUser:
		return r.User(m.Content)
	case chat.RoleAssistant:
		return r.Assistant(m)
	default:
		return r.System(m.Content)
	}
}

// Transcript renders every message of v.
func (r *Renderer) Transcript(v chat.View) string {
	var b strings.Builder
	for _, m := range v.Messages {
		b.WriteString(r.Message(m))
	}
	return b.String()
}

func (r *Renderer) System(content string) string {
	return r.theme.SystemMessage.Render(content) + "\n\n"
}

func (r *Renderer) Error(content string) string {
	return r.theme.ErrorMessage.Render("error: "+content) + "\n\n"
}

// Status renders the one-line footer: connection, model, tokens, tools.
func (r *Renderer) Status(connState string, v chat.View) string {
	parts := []string{connState}
	if v.Model != "" {
		parts = append(parts, v.Model)
	}
	parts = append(parts, fmt.Sprintf("%s tokens (%s total)",
		humanize.Comma(v.SessionTokens), humanize.Comma(v.TotalTokens)))
	if len(v.ActiveTools) > 0 {
		parts = append(parts, "tools: "+strings.Join(v.ActiveTools, ", "))
	}
	return r.theme.StatusBar.Render(strings.Join(parts, " · "))
}

// Artifact renders the focused file's line: its name, state and size.
func (r *Renderer) Artifact(b artifact.Buffer) string {
	state := "saved"
	style := r.theme.StatusBar
	switch {
	case b.Streaming:
		state, style = "streaming", r.theme.StatusLive
	case b.Interrupted:
		state, style = "interrupted", r.theme.Interrupted
	case b.Dirty:
		state = "modified"
	}
	return style.Render(fmt.Sprintf("✎ %s · %s · %s", b.Name(), state, humanize.Bytes(uint64(len(b.Content)))))
}

// Welcome renders the empty-conversation hint.
func (r *Renderer) Welcome() string {
	return r.System("Type a message to get started.")
}
