// Package chat reconciles streamed assistant output into conversation state.
//
// Each conversation holds at most one open assistant placeholder. Token
// deltas are appended to that placeholder only, and only while they come from
// the transport epoch the placeholder was opened in.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

var (
	ErrRequestInFlight = errors.New("a response is still streaming for this conversation")
	ErrEmptyMessage    = errors.New("empty message")
	ErrNoConversation  = errors.New("no conversation selected")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageState int

const (
	StateSealed MessageState = iota
	StateOpen
	StateInterrupted
)

func (s MessageState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateInterrupted:
		return "interrupted"
	default:
		return "sealed"
	}
}

type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	State     MessageState `json:"-"`
}

// Conversation is owned by the caller; only ID and CumulativeTokens are read.
type Conversation struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	CumulativeTokens int64  `json:"cumulative_tokens"`
}

// placeholder is Idle when messageID is empty, Open(messageID) otherwise.
type placeholder struct {
	messageID string
	epoch     uint64
}

func (p placeholder) open() bool { return p.messageID != "" }

type thread struct {
	messages    []Message
	index       map[string]int
	placeholder placeholder
	streaming   bool
	activeTools []string
	totalTokens int64 // last known cumulative count, restored on activation
}

func newThread() *thread {
	return &thread{index: make(map[string]int)}
}

func (t *thread) append(m Message) {
	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
}

// close moves the open placeholder to state and returns it.
func (t *thread) close(state MessageState) (Message, bool) {
	if !t.placeholder.open() {
		return Message{}, false
	}
	i := t.index[t.placeholder.messageID]
	t.messages[i].State = state
	t.placeholder = placeholder{}
	t.streaming = false
	return t.messages[i], true
}

// View is a copy of one conversation's observable state.
type View struct {
	ConversationID string
	Messages       []Message
	Streaming      bool
	OpenMessageID  string
	ActiveTools    []string
	SessionTokens  int64
	TotalTokens    int64
	Model          string
}

// SettledFunc is called, outside the lock, for every message that becomes
// final: user messages when sent, assistant messages when sealed or interrupted.
type SettledFunc func(conversationID string, m Message)

type Options struct {
	Model     string
	Logger    *zap.Logger
	OnSettled SettledFunc
	Now       func() time.Time
	NewID     func() string
}

type Reconciler struct {
	log       *zap.Logger
	onSettled SettledFunc
	now       func() time.Time
	newID     func() string

	mu            sync.Mutex
	model         string
	active        string
	threads       map[string]*thread
	sessionTokens int64
	totalTokens   int64
}

func New(opts Options) *Reconciler {
	r := &Reconciler{
		log:       logger.OrNop(opts.Logger).Named("chat"),
		onSettled: opts.OnSettled,
		now:       opts.Now,
		newID:     opts.NewID,
		model:     opts.Model,
		threads:   make(map[string]*thread),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

func (r *Reconciler) thread(id string) *thread {
	t, ok := r.threads[id]
	if !ok {
		t = newThread()
		r.threads[id] = t
	}
	return t
}

func (r *Reconciler) settle(convID string, msgs ...Message) {
	if r.onSettled == nil {
		return
	}
	for _, m := range msgs {
		r.onSettled(convID, m)
	}
}

// SetModel selects the model id sent with each message.
func (r *Reconciler) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = model
}

func (r *Reconciler) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// Active returns the id of the active conversation.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive makes conv the active conversation and seeds the running token
// counters from it. An open placeholder in the conversation being left is
// marked interrupted: the server may keep generating, but nothing will land.
func (r *Reconciler) SetActive(conv Conversation) {
	r.mu.Lock()
	r.thread(conv.ID).totalTokens = conv.CumulativeTokens
	leftID, detached, ok := r.activateLocked(conv.ID)
	r.mu.Unlock()

	if ok {
		r.log.Info("detached streaming response", zap.String("conversation", leftID), zap.String("message", detached.ID))
		r.settle(leftID, detached)
	}
}

// activateLocked switches the active conversation to id, keeping the running
// total of the one being left, reseeding the counters from id's thread and
// interrupting the left conversation's placeholder. Re-activating the current
// conversation only reseeds.
func (r *Reconciler) activateLocked(id string) (leftID string, detached Message, ok bool) {
	if r.active != "" && r.active != id {
		leftID = r.active
		left := r.thread(leftID)
		left.totalTokens = r.totalTokens
		detached, ok = left.close(StateInterrupted)
	}
	r.active = id
	r.totalTokens = r.thread(id).totalTokens
	r.sessionTokens = 0
	return leftID, detached, ok
}

// LoadMessages replaces a conversation's history with msgs fetched from the server.
func (r *Reconciler) LoadMessages(conversationID string, msgs []Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.thread(conversationID)
	if t.placeholder.open() {
		return ErrRequestInFlight
	}
	fresh := newThread()
	fresh.activeTools = t.activeTools
	fresh.totalTokens = t.totalTokens
	for _, m := range msgs {
		m.State = StateSealed
		fresh.append(m)
	}
	r.threads[conversationID] = fresh
	return nil
}

// Send records a user message and an open assistant placeholder, and returns
// the outbound frame. It is rejected while a placeholder is already open for
// the conversation. epoch is the transport epoch the request goes out in.
func (r *Reconciler) Send(conversationID, text string, editCtx *ws.EditContext, epoch uint64) (ws.ChatMessage, error) {
	if conversationID == "" {
		return ws.ChatMessage{}, ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		return ws.ChatMessage{}, ErrEmptyMessage
	}

	r.mu.Lock()
	t := r.thread(conversationID)
	if t.placeholder.open() {
		r.mu.Unlock()
		return ws.ChatMessage{}, ErrRequestInFlight
	}

	var detached Message
	var leftID string
	var ok bool
	if r.active != conversationID {
		leftID, detached, ok = r.activateLocked(conversationID)
	}

	now := r.now()
	user := Message{ID: r.newID(), Role: RoleUser, Content: text, CreatedAt: now, State: StateSealed}
	pending := Message{ID: r.newID(), Role: RoleAssistant, CreatedAt: now, State: StateOpen}
	t.append(user)
	t.append(pending)
	t.placeholder = placeholder{messageID: pending.ID, epoch: epoch}
	t.streaming = true

	out := ws.ChatMessage{
		Type:           ws.TypeChatMessage,
		ConversationID: conversationID,
		Content:        text,
		Context:        editCtx,
		Model:          r.model,
	}
	r.mu.Unlock()

	if ok {
		r.settle(leftID, detached)
	}
	r.settle(conversationID, user)
	return out, nil
}

// target resolves the thread an inbound event applies to. Events that name a
// conversation other than the active one are stale.
func (r *Reconciler) target(conversationID string) (*thread, bool) {
	if r.active == "" {
		return nil, false
	}
	if conversationID != "" && conversationID != r.active {
		return nil, false
	}
	return r.threads[r.active], true
}

// ApplyTokenDelta appends text to the active conversation's open placeholder.
// Deltas with no open placeholder, from another epoch, or naming another
// conversation are discarded.
func (r *Reconciler) ApplyTokenDelta(epoch uint64, conversationID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.target(conversationID)
	if !ok || t == nil || !t.placeholder.open() {
		return false
	}
	if t.placeholder.epoch != epoch {
		return false
	}
	i := t.index[t.placeholder.messageID]
	t.messages[i].Content += text
	return true
}

// SetStreaming toggles the active conversation's streaming flag.
func (r *Reconciler) SetStreaming(conversationID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.target(conversationID); ok && t != nil {
		t.streaming = on
	}
}

// Seal clears the streaming flag and freezes the open placeholder.
func (r *Reconciler) Seal(conversationID string) bool {
	r.mu.Lock()
	t, ok := r.target(conversationID)
	if !ok || t == nil {
		r.mu.Unlock()
		return false
	}
	convID := r.active
	sealed, ok := t.close(StateSealed)
	t.streaming = false
	r.mu.Unlock()

	if ok {
		r.settle(convID, sealed)
	}
	return ok
}

// SetTokens records the running counters; the last value wins.
func (r *Reconciler) SetTokens(sessionTokens, totalTokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionTokens = sessionTokens
	r.totalTokens = totalTokens
}

// SetToolUse adds or removes tool from the active conversation's tool set.
func (r *Reconciler) SetToolUse(tool string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.target("")
	if !ok || t == nil || tool == "" {
		return
	}
	for i, name := range t.activeTools {
		if name == tool {
			if !active {
				t.activeTools = append(t.activeTools[:i:i], t.activeTools[i+1:]...)
			}
			return
		}
	}
	if active {
		t.activeTools = append(t.activeTools, tool)
	}
}

// Interrupt marks every open placeholder interrupted. Used when the transport
// drops: deltas from the next epoch can never land in them.
func (r *Reconciler) Interrupt() int {
	type closed struct {
		convID string
		msg    Message
	}
	var done []closed

	r.mu.Lock()
	for id, t := range r.threads {
		if m, ok := t.close(StateInterrupted); ok {
			done = append(done, closed{id, m})
		}
		t.activeTools = nil
	}
	r.mu.Unlock()

	for _, c := range done {
		r.settle(c.convID, c.msg)
	}
	return len(done)
}

// InterruptConversation marks one conversation's open placeholder interrupted.
func (r *Reconciler) InterruptConversation(conversationID string) bool {
	r.mu.Lock()
	t, ok := r.threads[conversationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	m, ok := t.close(StateInterrupted)
	r.mu.Unlock()
	if ok {
		r.settle(conversationID, m)
	}
	return ok
}

// Snapshot returns a copy of a conversation's state. An empty id means the
// active conversation.
func (r *Reconciler) Snapshot(conversationID string) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID == "" {
		conversationID = r.active
	}
	v := View{
		ConversationID: conversationID,
		SessionTokens:  r.sessionTokens,
		TotalTokens:    r.totalTokens,
		Model:          r.model,
	}
	t, ok := r.threads[conversationID]
	if !ok {
		return v
	}
	v.Messages = append([]Message(nil), t.messages...)
	v.Streaming = t.streaming
	v.OpenMessageID = t.placeholder.messageID
	v.ActiveTools = append([]string(nil), t.activeTools...)
	return v
}
