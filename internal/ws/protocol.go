package ws

// Event types multiplexed over the session websocket.
const (
	// Server → client
	TypeConnectionStatus = "connection.status"
	TypeChatStatus       = "chat.status"       // thinking | writing
	TypeChatToken        = "chat.token"        // token delta for the open assistant message
	TypeChatTokenUpdate  = "chat.token_update" // running token counters
	TypeChatToolUse      = "chat.tool_use"     // tool became active/inactive
	TypeChatComplete     = "chat.complete"     // generation finished
	TypeArtifactStart    = "artifact.start"    // new file being generated
	TypeArtifactStream   = "artifact.stream"   // token for the file being generated
	TypeArtifactUpdate   = "artifact.update"   // full file content push
	TypeTerminalOutput   = "terminal.output"   // raw terminal bytes
	TypeError            = "error"

	// Client → server
	TypeChatMessage    = "chat.message"
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
	TypePing           = "ping"
)

// Envelope wraps every frame with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Outbound is implemented by every client → server message.
type Outbound interface {
	EventType() string
}

// ConnectionStatus is informational; transport state is tracked by the Conn itself.
type ConnectionStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ChatStatus reports the assistant's phase ("thinking", "writing", ...).
type ChatStatus struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Status         string `json:"status"`
}

// ChatToken carries one generated text delta.
type ChatToken struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Token          string `json:"token"`
}

// ChatTokenUpdate carries the running token counters.
type ChatTokenUpdate struct {
	Type          string `json:"type"`
	SessionTokens int64  `json:"sessionTokens"`
	TotalTokens   int64  `json:"totalTokens"`
}

// ChatToolUse toggles a tool in the active-tool set. Active defaults to true.
type ChatToolUse struct {
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Active *bool  `json:"active,omitempty"`
}

// IsActive reports the effective active flag.
func (m ChatToolUse) IsActive() bool {
	return m.Active == nil || *m.Active
}

// ChatComplete seals the open assistant message.
type ChatComplete struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ArtifactStart begins streaming a file.
type ArtifactStart struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// ArtifactStream appends a token to a streaming file.
type ArtifactStream struct {
	Type  string `json:"type"`
	Path  string `json:"path"`
	Token string `json:"token"`
}

// ArtifactUpdate replaces a file's content wholesale.
type ArtifactUpdate struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TerminalOutput carries raw terminal bytes from the remote shell.
type TerminalOutput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ErrorMsg is sent by the server for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EditContext tells the assistant which file the user is working on.
type EditContext struct {
	ActiveFile string `json:"activeFile"`
	Mode       string `json:"mode"`
}

// ModeLiveEdit asks the assistant to stream its changes into ActiveFile.
const ModeLiveEdit = "live-edit"

// ChatMessage sends one user turn.
type ChatMessage struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Context        *EditContext `json:"context,omitempty"`
	Model          string       `json:"model,omitempty"`
}

func (ChatMessage) EventType() string { return TypeChatMessage }

// TerminalInput relays keystrokes, unmodified.
type TerminalInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (TerminalInput) EventType() string { return TypeTerminalInput }

// TerminalResize negotiates the viewport geometry.
type TerminalResize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func (TerminalResize) EventType() string { return TypeTerminalResize }

// Ping is the application-level heartbeat.
type Ping struct {
	Type string `json:"type"`
}

func (Ping) EventType() string { return TypePing }
