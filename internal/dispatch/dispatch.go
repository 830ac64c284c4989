// Package dispatch routes inbound frames from the live connection to the
// reconciliation stores.
package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/metrics"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

// ChatSink receives chat events. Implemented by *chat.Reconciler.
type ChatSink interface {
	SetStreaming(conversationID string, on bool)
	ApplyTokenDelta(epoch uint64, conversationID, text string) bool
	SetTokens(sessionTokens, totalTokens int64)
	SetToolUse(tool string, active bool)
	Seal(conversationID string) bool
}

// ArtifactSink receives artifact events. Implemented by *artifact.Reconciler.
type ArtifactSink interface {
	OnStart(path string, epoch uint64) error
	OnStreamToken(path, token string, epoch uint64) error
	OnUpdate(path, content string) error
	OnComplete()
}

// Binder is the handler registry of a connection. Implemented by *ws.Conn.
type Binder interface {
	Handle(eventType string, h ws.Handler)
	RemoveHandler(eventType string)
}

// diagnosticMarkers identify server log lines leaking into the token stream.
var diagnosticMarkers = []string{"injecting env", `"level":`}

// IsDiagnostic reports whether a token is leaked diagnostic output rather
// than assistant text.
func IsDiagnostic(token string) bool {
	for _, m := range diagnosticMarkers {
		if strings.Contains(token, m) {
			return true
		}
	}
	return false
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnServerError is called for server-reported protocol errors.
	OnServerError func(message string)
}

type Dispatcher struct {
	chat      ChatSink
	artifacts ArtifactSink
	log       *zap.Logger
	metrics   *metrics.Metrics
	serverErr func(string)
	routes    map[string]ws.Handler

	mu          sync.Mutex
	bound       Binder
	terminal    io.Writer
	terminalGen uint64
}

func New(chat ChatSink, artifacts ArtifactSink, opts Options) *Dispatcher {
	d := &Dispatcher{
		chat:      chat,
		artifacts: artifacts,
		log:       logger.OrNop(opts.Logger).Named("dispatch"),
		metrics:   opts.Metrics,
		serverErr: opts.OnServerError,
	}
	d.routes = map[string]ws.Handler{
		ws.TypeConnectionStatus: d.onConnectionStatus,
		ws.TypeChatStatus:       d.onChatStatus,
		ws.TypeChatToken:        d.onChatToken,
		ws.TypeChatTokenUpdate:  d.onTokenUpdate,
		ws.TypeChatToolUse:      d.onToolUse,
		ws.TypeChatComplete:     d.onComplete,
		ws.TypeArtifactStart:    d.onArtifactStart,
		ws.TypeArtifactStream:   d.onArtifactStream,
		ws.TypeArtifactUpdate:   d.onArtifactUpdate,
		ws.TypeTerminalOutput:   d.onTerminalOutput,
		ws.TypeError:            d.onServerError,
	}
	return d
}

// EventTypes returns the inbound event types the dispatcher handles.
func (d *Dispatcher) EventTypes() []string {
	out := make([]string, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	return out
}

// Bind registers one handler per event type on b. Any previous binding is
// removed first, so binding again never doubles delivery.
func (d *Dispatcher) Bind(b Binder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked()
	for t, h := range d.routes {
		b.Handle(t, h)
	}
	d.bound = b
}

// Unbind removes every handler from the bound connection. Safe to call
// repeatedly or with nothing bound.
func (d *Dispatcher) Unbind() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked()
}

func (d *Dispatcher) unbindLocked() {
	if d.bound == nil {
		return
	}
	for t := range d.routes {
		d.bound.RemoveHandler(t)
	}
	d.bound = nil
}

// Bound reports whether a connection is bound.
func (d *Dispatcher) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound != nil
}

// SetTerminal makes w the target for terminal output. The returned detach
// clears it, unless another writer has replaced w in the meantime.
func (d *Dispatcher) SetTerminal(w io.Writer) (detach func()) {
	d.mu.Lock()
	d.terminalGen++
	gen := d.terminalGen
	d.terminal = w
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.terminalGen == gen {
				d.terminal = nil
			}
		})
	}
}

func decode[T any](d *Dispatcher, f ws.Frame) (T, bool) {
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		d.log.Debug("malformed frame", zap.String("type", f.Type), zap.Error(err))
		d.metrics.Dropped(f.Type, metrics.ReasonMalformed)
		return v, false
	}
	return v, true
}

func (d *Dispatcher) onConnectionStatus(f ws.Frame) {
	msg, ok := decode[ws.ConnectionStatus](d, f)
	if !ok {
		return
	}
	d.log.Debug("server connection status", zap.String("status", msg.Status), zap.Uint64("epoch", f.Epoch))
}

func (d *Dispatcher) onChatStatus(f ws.Frame) {
	msg, ok := decode[ws.ChatStatus](d, f)
	if !ok {
		return
	}
	switch msg.Status {
	case "thinking", "writing":
		d.chat.SetStreaming(msg.ConversationID, true)
	default:
		d.log.Debug("chat status", zap.String("status", msg.Status))
	}
}

func (d *Dispatcher) onChatToken(f ws.Frame) {
	msg, ok := decode[ws.ChatToken](d, f)
	if !ok {
		return
	}
	if IsDiagnostic(msg.Token) {
		d.log.Debug("dropping diagnostic token", zap.Int("len", len(msg.Token)))
		d.metrics.Dropped(f.Type, metrics.ReasonDiagnostic)
		return
	}
	if !d.chat.ApplyTokenDelta(f.Epoch, msg.ConversationID, msg.Token) {
		d.log.Debug("dropping token with no open message",
			zap.String("conversation", msg.ConversationID), zap.Uint64("epoch", f.Epoch))
		d.metrics.Dropped(f.Type, metrics.ReasonStale)
	}
}

func (d *Dispatcher) onTokenUpdate(f ws.Frame) {
	msg, ok := decode[ws.ChatTokenUpdate](d, f)
	if !ok {
		return
	}
	d.chat.SetTokens(msg.SessionTokens, msg.TotalTokens)
}

func (d *Dispatcher) onToolUse(f ws.Frame) {
	msg, ok := decode[ws.ChatToolUse](d, f)
	if !ok {
		return
	}
	d.chat.SetToolUse(msg.Tool, msg.IsActive())
}

func (d *Dispatcher) onComplete(f ws.Frame) {
	msg, ok := decode[ws.ChatComplete](d, f)
	if !ok {
		return
	}
	// Files close before the reply seals so settle hooks see them final.
	d.artifacts.OnComplete()
	d.chat.Seal(msg.ConversationID)
}

func (d *Dispatcher) artifactResult(f ws.Frame, path string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, artifact.ErrExcluded):
		d.metrics.Dropped(f.Type, metrics.ReasonExcluded)
	case errors.Is(err, artifact.ErrOtherFocus):
		d.metrics.Dropped(f.Type, metrics.ReasonUnfocused)
	case errors.Is(err, artifact.ErrStale):
		d.log.Debug("dropping stale artifact token", zap.String("path", path), zap.Uint64("epoch", f.Epoch))
		d.metrics.Dropped(f.Type, metrics.ReasonStale)
	default:
		d.log.Warn("artifact event failed", zap.String("type", f.Type), zap.String("path", path), zap.Error(err))
	}
}

func (d *Dispatcher) onArtifactStart(f ws.Frame) {
	msg, ok := decode[ws.ArtifactStart](d, f)
	if !ok {
		return
	}
	d.artifactResult(f, msg.Path, d.artifacts.OnStart(msg.Path, f.Epoch))
}

func (d *Dispatcher) onArtifactStream(f ws.Frame) {
	msg, ok := decode[ws.ArtifactStream](d, f)
	if !ok {
		return
	}
	d.artifactResult(f, msg.Path, d.artifacts.OnStreamToken(msg.Path, msg.Token, f.Epoch))
}

func (d *Dispatcher) onArtifactUpdate(f ws.Frame) {
	msg, ok := decode[ws.ArtifactUpdate](d, f)
	if !ok {
		return
	}
	d.artifactResult(f, msg.Path, d.artifacts.OnUpdate(msg.Path, msg.Content))
}

func (d *Dispatcher) onTerminalOutput(f ws.Frame) {
	msg, ok := decode[ws.TerminalOutput](d, f)
	if !ok {
		return
	}
	d.mu.Lock()
	w := d.terminal
	d.mu.Unlock()
	if w == nil {
		d.metrics.Dropped(f.Type, metrics.ReasonNoTarget)
		return
	}
	if _, err := io.WriteString(w, msg.Data); err != nil {
		d.log.Warn("terminal write failed", zap.Error(err))
	}
}

func (d *Dispatcher) onServerError(f ws.Frame) {
	msg, ok := decode[ws.ErrorMsg](d, f)
	if !ok {
		return
	}
	d.log.Warn("server error", zap.String("message", msg.Message))
	if d.serverErr != nil {
		d.serverErr(msg.Message)
	}
}
