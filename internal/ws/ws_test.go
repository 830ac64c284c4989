package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 3)

	for i := 0; i < 3; i++ {
		d, ok := bo.Next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, time.Second, d)
	}
	_, ok := bo.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, bo.Attempts())

	bo.Reset()
	_, ok = bo.Next()
	assert.True(t, ok)
}

func TestBackoffDefaults(t *testing.T) {
	bo := NewBackoff(0, -1)
	assert.Equal(t, DefaultRetryDelay, bo.Delay)
	_, ok := bo.Next()
	assert.False(t, ok)
}

func TestURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:3000", want: "ws://localhost:3000/ws"},
		{in: "https://desk.example.com/", want: "wss://desk.example.com/ws"},
		{in: "https://desk.example.com/socket", want: "wss://desk.example.com/socket"},
		{in: "ws://localhost:3000/live", want: "ws://localhost:3000/live"},
		{in: "", wantErr: true},
		{in: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := URL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

type testServer struct {
	*httptest.Server
	accepted atomic.Int32
}

func newTestServer(t *testing.T, handler func(n int32, conn *websocket.Conn, r *http.Request)) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		n := ts.accepted.Add(1)
		handler(n, conn, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

// holdOpen keeps the server side open until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func fastOptions() Options {
	return Options{RetryDelay: 10 * time.Millisecond, RetryAttempts: 2}
}

type collector struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *collector) handle(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) snapshot() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	var gotAuth atomic.Value
	ready := make(chan struct{})
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		<-ready
		for _, tok := range []string{"a", "b", "c"} {
			writeFrame(t, conn, ChatToken{Type: TypeChatToken, Token: tok})
		}
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()

	var col collector
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	conn.Handle(TypeChatToken, col.handle)
	close(ready)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)

	var tokens []string
	for _, f := range col.snapshot() {
		var msg ChatToken
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		tokens = append(tokens, msg.Token)
		assert.Equal(t, uint64(1), f.Epoch)
	}
	assert.Equal(t, []string{"a", "b", "c"}, tokens)
	assert.Equal(t, "Bearer secret", gotAuth.Load())
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnHandleReplaces(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		<-release
		writeFrame(t, conn, ChatComplete{Type: TypeChatComplete})
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)

	var first, second collector
	conn.Handle(TypeChatComplete, first.handle)
	conn.Handle(TypeChatComplete, second.handle)
	assert.Equal(t, 1, conn.HandlerCount())
	close(release)

	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, first.snapshot())

	conn.RemoveHandler(TypeChatComplete)
	conn.RemoveHandler(TypeChatComplete)
	assert.Equal(t, 0, conn.HandlerCount())
}

func TestConnReconnectBumpsEpoch(t *testing.T) {
	srv := newTestServer(t, func(n int32, conn *websocket.Conn, _ *http.Request) {
		writeFrame(t, conn, ChatToken{Type: TypeChatToken, Token: "x"})
		if n == 1 {
			time.Sleep(20 * time.Millisecond)
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)

	var col collector
	conn.Handle(TypeChatToken, col.handle)

	var mu sync.Mutex
	var states []State
	cancel := conn.Subscribe(func(sc StateChange) {
		mu.Lock()
		states = append(states, sc.State)
		mu.Unlock()
	})
	defer cancel()

	require.Eventually(t, func() bool {
		for _, f := range col.snapshot() {
			if f.Epoch == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(2), conn.Epoch())
	assert.False(t, conn.Exhausted())
	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	mu.Unlock()
}

func TestConnExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(fastOptions())
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = conn.WaitConnected(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, conn.Exhausted())
	// one initial dial plus two retries
	assert.Equal(t, int32(3), hits.Load())
}

func TestConnAuthRejectedStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(fastOptions())
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "expired")
	require.NoError(t, err)

	require.Eventually(t, conn.Exhausted, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, conn.LastError(), ErrAuthRejected)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, int32(1), hits.Load())
}

func TestManagerAcquireIsIdempotent(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()

	first, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, first.WaitConnected(context.Background()))

	for i := 0; i < 5; i++ {
		again, err := m.Acquire(srv.URL, "secret")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestManagerKeyChangeReplacesConn(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()

	old, err := m.Acquire(srv.URL, "token-1")
	require.NoError(t, err)
	require.NoError(t, old.WaitConnected(context.Background()))

	next, err := m.Acquire(srv.URL, "token-2")
	require.NoError(t, err)
	require.NoError(t, next.WaitConnected(context.Background()))

	assert.NotSame(t, old, next)
	assert.True(t, old.Released())
	assert.Equal(t, StateDisconnected, old.State())
	assert.Same(t, next, m.Current())
	assert.Equal(t, int32(2), srv.accepted.Load())

	addr := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)
	third, err := m.Acquire(addr, "token-2")
	require.NoError(t, err)
	assert.True(t, next.Released())
	assert.NotSame(t, next, third)
}

func TestManagerReleaseIsTerminal(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, conn.WaitConnected(context.Background()))

	m.Release()
	m.Release()

	assert.Nil(t, m.Current())
	assert.Equal(t, StateDisconnected, conn.State())
	assert.ErrorIs(t, conn.Emit(context.Background(), Ping{Type: TypePing}), ErrReleased)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestEmitWhileDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(Options{RetryDelay: time.Hour, RetryAttempts: 1})
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)

	err = conn.Emit(context.Background(), TerminalInput{Type: TypeTerminalInput, Data: "ls\n"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEmitWritesJSON(t *testing.T) {
	got := make(chan []byte, 1)
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		_, data, err := conn.Read(context.Background())
		if err == nil {
			got <- data
		}
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()
	conn, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, conn.WaitConnected(context.Background()))

	require.NoError(t, conn.Emit(context.Background(), TerminalResize{Type: TypeTerminalResize, Cols: 80, Rows: 24}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"terminal.resize","cols":80,"rows":24}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}
}

func TestManagerRedialsExhaustedConn(t *testing.T) {
	var up atomic.Bool
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		accepted.Add(1)
		holdOpen(conn)
	}))
	defer srv.Close()

	m := NewManager(fastOptions())
	defer m.Release()

	dead, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	require.Eventually(t, dead.Exhausted, 2*time.Second, 5*time.Millisecond)
	require.Error(t, dead.WaitConnected(context.Background()))

	up.Store(true)
	fresh, err := m.Acquire(srv.URL, "secret")
	require.NoError(t, err)
	assert.NotSame(t, dead, fresh)
	assert.True(t, dead.Released())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fresh.WaitConnected(ctx))
	assert.Equal(t, int32(1), accepted.Load())
	assert.Same(t, fresh, m.Current())
}

func TestAcquireWithBindsBeforeFirstFrame(t *testing.T) {
	srv := newTestServer(t, func(_ int32, conn *websocket.Conn, _ *http.Request) {
		writeFrame(t, conn, ChatToken{Type: TypeChatToken, Token: "first"})
		holdOpen(conn)
	})

	m := NewManager(fastOptions())
	defer m.Release()

	var got collector
	var setups atomic.Int32
	setup := func(c *Conn) {
		setups.Add(1)
		c.Handle(TypeChatToken, got.handle)
	}
	conn, err := m.AcquireWith(srv.URL, "secret", setup)
	require.NoError(t, err)
	require.NoError(t, conn.WaitConnected(context.Background()))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	again, err := m.AcquireWith(srv.URL, "secret", setup)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, int32(1), setups.Load())
}
