// Package terminal relays bytes between a remote shell and a local rendering
// surface over the live connection.
//
// The channel never interprets or echoes bytes: the remote side is the only
// source of displayed characters.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

var (
	ErrNotMounted      = errors.New("terminal not mounted")
	ErrAlreadyMounted  = errors.New("terminal already mounted")
	ErrInvalidGeometry = errors.New("invalid terminal geometry")
)

// Surface renders inbound bytes. Close disposes it.
type Surface interface {
	io.Writer
	Close() error
}

// Resizer is implemented by surfaces that track their own geometry.
type Resizer interface {
	Resize(cols, rows int)
}

// Emitter sends outbound frames on the live connection.
type Emitter interface {
	Emit(ctx context.Context, msg ws.Outbound) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg ws.Outbound) error

func (f EmitterFunc) Emit(ctx context.Context, msg ws.Outbound) error { return f(ctx, msg) }

// Attacher routes inbound terminal output to a writer until detached.
// Implemented by *dispatch.Dispatcher.
type Attacher interface {
	SetTerminal(w io.Writer) (detach func())
}

type Geometry struct {
	Cols int
	Rows int
}

func (g Geometry) valid() bool { return g.Cols > 0 && g.Rows > 0 }

func (g Geometry) String() string { return fmt.Sprintf("%dx%d", g.Cols, g.Rows) }

// Channel is one mount of the terminal.
type Channel struct {
	emitter Emitter
	attach  Attacher
	log     *zap.Logger

	emitMu sync.Mutex // serializes resize emission

	mu       sync.Mutex
	surface  Surface
	detach   func()
	ready    bool
	emitted  Geometry
	pending  Geometry
	hasQueue bool
}

func New(emitter Emitter, attach Attacher, log *zap.Logger) *Channel {
	return &Channel{
		emitter: emitter,
		attach:  attach,
		log:     logger.OrNop(log).Named("terminal"),
	}
}

// Mount attaches s and starts receiving terminal output.
func (c *Channel) Mount(s Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface != nil {
		return ErrAlreadyMounted
	}
	c.surface = s
	c.ready = false
	c.emitted = Geometry{}
	c.pending = Geometry{}
	c.hasQueue = false
	if c.attach != nil {
		c.detach = c.attach.SetTerminal(c)
	}
	return nil
}

// Mounted reports whether a surface is attached.
func (c *Channel) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface != nil
}

// Write renders inbound bytes on the surface.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	s := c.surface
	c.mu.Unlock()
	if s == nil {
		return 0, ErrNotMounted
	}
	return s.Write(p)
}

// Ready negotiates the initial geometry once the surface has a stable layout.
// Resizes observed before Ready are held and folded into this one.
func (c *Channel) Ready(ctx context.Context, cols, rows int) error {
	c.mu.Lock()
	if c.surface == nil {
		c.mu.Unlock()
		return ErrNotMounted
	}
	c.ready = true
	c.mu.Unlock()
	return c.Resize(ctx, cols, rows)
}

// Resize emits a resize frame if the geometry differs from the last one
// emitted. A failed emit is kept pending for Flush.
func (c *Channel) Resize(ctx context.Context, cols, rows int) error {
	g := Geometry{Cols: cols, Rows: rows}
	if !g.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidGeometry, g)
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	s := c.surface
	if s == nil {
		c.mu.Unlock()
		return ErrNotMounted
	}
	if r, ok := s.(Resizer); ok {
		r.Resize(cols, rows)
	}
	if g == c.emitted {
		c.hasQueue = false
		c.mu.Unlock()
		return nil
	}
	if !c.ready {
		c.pending, c.hasQueue = g, true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.emitResize(ctx, g)
}

// must hold emitMu
func (c *Channel) emitResize(ctx context.Context, g Geometry) error {
	err := c.emitter.Emit(ctx, ws.TerminalResize{Type: ws.TypeTerminalResize, Cols: g.Cols, Rows: g.Rows})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.pending, c.hasQueue = g, true
		c.log.Debug("resize pending", zap.Stringer("geometry", g), zap.Error(err))
		return err
	}
	c.emitted = g
	c.hasQueue = false
	return nil
}

// Flush re-sends a pending resize, as after a reconnect.
func (c *Channel) Flush(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.surface == nil || !c.ready || !c.hasQueue {
		c.mu.Unlock()
		return nil
	}
	g := c.pending
	c.mu.Unlock()
	return c.emitResize(ctx, g)
}

// ForceResize re-sends the last emitted geometry. A new connection has no
// memory of the previous one's viewport.
func (c *Channel) ForceResize(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.surface == nil || !c.ready {
		c.mu.Unlock()
		return nil
	}
	g := c.emitted
	if c.hasQueue {
		g = c.pending
	}
	c.mu.Unlock()
	if !g.valid() {
		return nil
	}
	return c.emitResize(ctx, g)
}

// Geometry returns the last emitted geometry.
func (c *Channel) Geometry() Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// Pending reports whether a resize is waiting to be sent.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasQueue
}

// Input relays keystrokes unmodified.
func (c *Channel) Input(ctx context.Context, data []byte) error {
	if !c.Mounted() {
		return ErrNotMounted
	}
	if len(data) == 0 {
		return nil
	}
	return c.emitter.Emit(ctx, ws.TerminalInput{Type: ws.TypeTerminalInput, Data: string(data)})
}

// Unmount stops receiving output and disposes the surface. Safe to call
// more than once.
func (c *Channel) Unmount() error {
	c.mu.Lock()
	s, detach := c.surface, c.detach
	c.surface, c.detach = nil, nil
	c.ready = false
	c.hasQueue = false
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	if s == nil {
		return nil
	}
	return s.Close()
}
