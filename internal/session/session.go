// Package session owns the live connection to a wingdesk server and wires
// inbound events into the chat, artifact and terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/chat"
	"github.com/ehrlich-b/wingdesk/internal/dispatch"
	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/metrics"
	"github.com/ehrlich-b/wingdesk/internal/store"
	"github.com/ehrlich-b/wingdesk/internal/terminal"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

var ErrClosed = errors.New("session closed")

type Options struct {
	Model         string
	RetryDelay    time.Duration
	RetryAttempts int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics

	// API and Store are optional. Without API, history and files are
	// unavailable; without Store nothing is cached locally.
	API   *api.Client
	Store *store.Store

	OnServerError func(message string)
	OnState       func(ws.StateChange)
	// OnSettled sees every message that becomes final, after it is cached.
	OnSettled chat.SettledFunc
}

// Session is the single live sync session of the client.
type Session struct {
	log       *zap.Logger
	api       *api.Client
	store     *store.Store
	onState   func(ws.StateChange)
	onSettled chat.SettledFunc
	mgr       *ws.Manager
	disp      *dispatch.Dispatcher
	chat      *chat.Reconciler
	artifacts *artifact.Reconciler

	mu           sync.Mutex
	conn         *ws.Conn
	unsubscribe  func()
	term         *terminal.Channel
	flushedEpoch uint64
	closed       bool
}

func New(opts Options) *Session {
	log := logger.OrNop(opts.Logger)
	s := &Session{
		log:       log.Named("session"),
		api:       opts.API,
		store:     opts.Store,
		onState:   opts.OnState,
		onSettled: opts.OnSettled,
		mgr: ws.NewManager(ws.Options{
			RetryDelay:    opts.RetryDelay,
			RetryAttempts: opts.RetryAttempts,
			Logger:        log,
			Metrics:       opts.Metrics,
		}),
	}
	s.chat = chat.New(chat.Options{
		Model:     opts.Model,
		Logger:    log,
		OnSettled: s.settled,
	})
	s.artifacts = artifact.New(log)
	s.disp = dispatch.New(s.chat, s.artifacts, dispatch.Options{
		Logger:        log,
		Metrics:       opts.Metrics,
		OnServerError: opts.OnServerError,
	})
	return s
}

func (s *Session) Chat() *chat.Reconciler          { return s.chat }
func (s *Session) Artifacts() *artifact.Reconciler { return s.artifacts }
func (s *Session) API() *api.Client                { return s.api }

// Conn returns the held connection, or nil.
func (s *Session) Conn() *ws.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// State reports the connection state; Disconnected when nothing is held.
func (s *Session) State() ws.State {
	if c := s.Conn(); c != nil {
		return c.State()
	}
	return ws.StateDisconnected
}

// Connect acquires the connection for (address, credential), binds the
// dispatcher to it and waits until it is connected or ctx ends. An unchanged
// pair reuses the held connection unless its retries ran out. On a wait
// failure the connection is kept so that it can keep retrying.
func (s *Session) Connect(ctx context.Context, address, credential string) (*ws.Conn, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	// Acquire may close the previous Conn, whose subscribers run synchronously,
	// so s.mu is only taken inside the setup hook. Binding there, before the
	// first dial, keeps frames sent right after the handshake.
	conn, err := s.mgr.AcquireWith(address, credential, func(c *ws.Conn) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.conn = c
		s.flushedEpoch = 0
		s.unsubscribe = c.Subscribe(s.stateHandler(c))
		s.disp.Bind(c)
		s.log.Info("session bound", zap.String("address", address))
	})
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if conn.State() == ws.StateConnected {
		go s.connected(conn, conn.Epoch())
	}
	if err := conn.WaitConnected(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

// stateHandler runs on the transport's goroutines. It must not call back into
// the Manager or the Conn's Close.
func (s *Session) stateHandler(conn *ws.Conn) func(ws.StateChange) {
	return func(sc ws.StateChange) {
		if sc.State == ws.StateConnected {
			go s.connected(conn, sc.Epoch)
		} else {
			// Files first: an interrupted reply's settle hook sees final buffers.
			files := s.artifacts.Interrupt()
			chats := s.chat.Interrupt()
			if chats > 0 || files > 0 {
				s.log.Info("interrupted open state",
					zap.Stringer("state", sc.State),
					zap.Int("messages", chats),
					zap.Int("artifacts", files))
			}
		}
		if s.onState != nil {
			s.onState(sc)
		}
	}
}

// connected re-sends terminal geometry once per epoch.
func (s *Session) connected(conn *ws.Conn, epoch uint64) {
	s.mu.Lock()
	if s.conn != conn || epoch <= s.flushedEpoch {
		s.mu.Unlock()
		return
	}
	s.flushedEpoch = epoch
	term := s.term
	s.mu.Unlock()

	if term == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := term.ForceResize(ctx); err != nil {
		s.log.Debug("terminal resize after connect", zap.Error(err))
	}
}

// Emit sends msg on the held connection.
func (s *Session) Emit(ctx context.Context, msg ws.Outbound) error {
	conn := s.Conn()
	if conn == nil {
		return ws.ErrNotConnected
	}
	return conn.Emit(ctx, msg)
}

// Send posts text to the active conversation. If the frame cannot be written
// the new placeholder is marked interrupted.
func (s *Session) Send(ctx context.Context, text string, editCtx *ws.EditContext) error {
	conn := s.Conn()
	if conn == nil || conn.State() != ws.StateConnected {
		return ws.ErrNotConnected
	}
	convID := s.chat.Active()
	msg, err := s.chat.Send(convID, text, editCtx, conn.Epoch())
	if err != nil {
		return err
	}
	if err := conn.Emit(ctx, msg); err != nil {
		s.chat.InterruptConversation(convID)
		return err
	}
	return nil
}

// AttachTerminal mounts surface as the terminal and negotiates its geometry.
// The previous terminal, if any, is unmounted.
func (s *Session) AttachTerminal(ctx context.Context, surface terminal.Surface, cols, rows int) (*terminal.Channel, error) {
	ch := terminal.New(terminal.EmitterFunc(s.Emit), s.disp, s.log)
	if err := ch.Mount(surface); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.term
	s.term = ch
	s.mu.Unlock()
	if prev != nil {
		prev.Unmount()
	}

	if err := ch.Ready(ctx, cols, rows); err != nil && !errors.Is(err, ws.ErrNotConnected) {
		return ch, err
	}
	return ch, nil
}

// DetachTerminal unmounts the current terminal.
func (s *Session) DetachTerminal() error {
	s.mu.Lock()
	term := s.term
	s.term = nil
	s.mu.Unlock()
	if term == nil {
		return nil
	}
	return term.Unmount()
}

// Disconnect releases the connection but keeps the session usable.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.conn = nil
	s.mu.Unlock()

	s.disp.Unbind()
	s.mgr.Release()
	s.artifacts.Interrupt()
	s.chat.Interrupt()
}

// Close releases everything. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.DetachTerminal()
	s.Disconnect()
	return nil
}
