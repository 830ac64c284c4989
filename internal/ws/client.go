package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/metrics"
)

var (
	// ErrAuthRejected is returned when the server rejects the handshake with 401.
	ErrAuthRejected = errors.New("server rejected authentication (401)")
	ErrNotConnected = errors.New("not connected")
	ErrReleased     = errors.New("connection released")
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	readLimit         = 4 << 20
)

// State is the lifecycle state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var allStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}

// Key identifies a connection. Two Conns never share a Key at the same time.
type Key struct {
	Address    string
	Credential string
}

// Frame is one inbound message, tagged with the epoch it arrived in.
type Frame struct {
	Type  string
	Epoch uint64
	Data  []byte
}

// Handler receives frames of one event type. Handlers run on the Conn's read
// goroutine, in arrival order.
type Handler func(Frame)

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	State     State
	Epoch     uint64
	Err       error
	Exhausted bool // retries spent; the Conn stays disconnected
}

// Options configures Conns created by a Manager.
type Options struct {
	RetryDelay        time.Duration
	RetryAttempts     int // 0 means default; negative disables reconnects
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = heartbeatInterval
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// Conn is the single logical session connection. It survives transport drops
// by redialing under its retry budget; Close ends it for good.
type Conn struct {
	key     Key
	url     string
	opts    Options
	log     *zap.Logger
	backoff *Backoff

	mu        sync.Mutex
	ws        *websocket.Conn
	state     State
	epoch     uint64
	exhausted bool
	released  bool
	lastErr   error
	handlers  map[string]Handler
	subs      map[int]func(StateChange)
	nextSub   int

	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(key Key, opts Options) (*Conn, error) {
	u, err := URL(key.Address)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Conn{
		key:      key,
		url:      u,
		opts:     opts,
		log:      opts.Logger.Named("ws"),
		backoff:  NewBackoff(opts.RetryDelay, opts.RetryAttempts),
		handlers: make(map[string]Handler),
		subs:     make(map[int]func(StateChange)),
		done:     make(chan struct{}),
	}, nil
}

// URL turns a server address into the session websocket URL. http(s)
// addresses map to ws(s) with a default path of /ws.
func URL(address string) (string, error) {
	if address == "" {
		return "", errors.New("empty server address")
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Conn) Key() Key { return c.key }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch increments on every successful (re)connect.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Exhausted reports that the retry budget ran out.
func (c *Conn) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// LastError returns the error behind the most recent drop or failed dial.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Handle installs h for eventType, replacing any previous handler.
func (c *Conn) Handle(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = h
}

// RemoveHandler is a no-op if nothing is installed for eventType.
func (c *Conn) RemoveHandler(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, eventType)
}

// HandlerCount reports how many event types have a handler.
func (c *Conn) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Subscribe registers fn for state changes and returns its cancel func.
func (c *Conn) Subscribe(fn func(StateChange)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// WaitConnected blocks until the Conn is connected, exhausted, released or ctx ends.
func (c *Conn) WaitConnected(ctx context.Context) error {
	ch := make(chan error, 1)
	notify := func(err error) {
		select {
		case ch <- err:
		default:
		}
	}
	cancel := c.Subscribe(func(sc StateChange) {
		switch {
		case sc.State == StateConnected:
			notify(nil)
		case sc.Exhausted:
			notify(fmt.Errorf("connect: retries exhausted: %w", sc.Err))
		}
	})
	defer cancel()

	c.mu.Lock()
	state, exhausted, released := c.state, c.exhausted, c.released
	c.mu.Unlock()
	switch {
	case released:
		return ErrReleased
	case state == StateConnected:
		return nil
	case exhausted:
		return errors.New("connect: retries exhausted")
	}

	select {
	case err := <-ch:
		return err
	case <-c.done:
		return ErrReleased
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Close is the terminal transition: no reconnect happens afterwards.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}
	c.setState(StateDisconnected, nil)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	next := StateConnecting
	for {
		c.setState(next, nil)
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			c.backoff.Reset()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.log.Warn("credential rejected; not retrying", zap.String("url", c.url))
			c.exhaust(err)
			return
		}
		delay, ok := c.backoff.Next()
		if !ok {
			c.log.Warn("reconnect attempts exhausted",
				zap.Int("attempts", c.backoff.MaxAttempts), zap.Error(err))
			c.exhaust(err)
			return
		}
		c.opts.Metrics.Reconnect()
		c.log.Info("disconnected; reconnecting",
			zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", c.backoff.Attempts()))
		c.setState(StateReconnecting, err)
		next = StateReconnecting
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Conn) exhaust(err error) {
	c.mu.Lock()
	c.exhausted = true
	c.state = StateDisconnected
	c.lastErr = err
	sc := StateChange{State: StateDisconnected, Epoch: c.epoch, Err: err, Exhausted: true}
	c.mu.Unlock()
	c.notify(sc)
}

func (c *Conn) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	sc := StateChange{State: s, Epoch: c.epoch, Err: err}
	c.mu.Unlock()
	c.notify(sc)
}

// notify runs subscribers on the calling goroutine. Subscribers must not call
// Close, which waits for the read goroutine to finish.
func (c *Conn) notify(sc StateChange) {
	c.mu.Lock()
	subs := make([]func(StateChange), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.opts.Metrics.SetState(sc.State.String(), allStates)
	for _, fn := range subs {
		fn(sc)
	}
}

func (c *Conn) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(http.Header),
	}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.key.Credential)

	conn, resp, dialErr := websocket.Dial(ctx, c.url, opts)
	if dialErr != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrAuthRejected
		}
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.mu.Lock()
	c.ws = conn
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()
	connected = true
	c.log.Info("connected", zap.String("url", c.url), zap.Uint64("epoch", epoch))
	c.setState(StateConnected, nil)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Debug("bad frame", zap.Error(err), zap.Int("bytes", len(data)))
			c.opts.Metrics.Dropped("", metrics.ReasonMalformed)
			continue
		}
		c.opts.Metrics.Received(env.Type)
		c.deliver(Frame{Type: env.Type, Epoch: epoch, Data: data})
	}
}

func (c *Conn) deliver(f Frame) {
	c.mu.Lock()
	h := c.handlers[f.Type]
	c.mu.Unlock()
	if h == nil {
		c.log.Debug("no handler", zap.String("type", f.Type))
		c.opts.Metrics.Dropped(f.Type, metrics.ReasonNoTarget)
		return
	}
	h(f)
}

func (c *Conn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Emit(ctx, Ping{Type: TypePing}); err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
				conn.CloseNow()
				return
			}
		}
	}
}

// Emit writes one outbound frame. Frames are not queued while disconnected.
func (c *Conn) Emit(ctx context.Context, msg Outbound) error {
	c.mu.Lock()
	conn := c.ws
	released := c.released
	c.mu.Unlock()
	if released {
		return ErrReleased
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.EventType(), err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.EventType(), err)
	}
	c.opts.Metrics.Sent(msg.EventType())
	return nil
}
