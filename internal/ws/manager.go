package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
)

// Manager owns at most one live Conn, keyed by (address, credential).
type Manager struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	conn *Conn
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("transport"),
	}
}

// Acquire returns the live Conn for (address, credential). Repeated calls with
// an unchanged pair return the same Conn without re-dialing. A different pair,
// or a Conn whose retries ran out, is closed before a new one is dialed.
func (m *Manager) Acquire(address, credential string) (*Conn, error) {
	return m.AcquireWith(address, credential, nil)
}

// AcquireWith is Acquire with a setup hook that runs on a newly created Conn
// before its first dial, so handlers and subscribers see every frame. setup
// is not called when the held Conn is reused. It runs under the Manager's
// lock and must not call back into the Manager.
func (m *Manager) AcquireWith(address, credential string, setup func(*Conn)) (*Conn, error) {
	key := Key{Address: address, Credential: credential}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.Key() == key && !m.conn.Released() && !m.conn.Exhausted() {
		return m.conn, nil
	}
	if m.conn != nil {
		if m.conn.Key() == key {
			m.log.Info("retries exhausted; dialing a fresh connection", zap.String("address", address))
		} else {
			m.log.Info("session key changed; tearing down connection", zap.String("address", m.conn.Key().Address))
		}
		m.conn.Close()
		m.conn = nil
	}

	c, err := newConn(key, m.opts)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		setup(c)
	}
	m.conn = c
	c.start()
	return c, nil
}

// Current returns the held Conn, or nil.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Release closes the held Conn. Safe to call repeatedly.
func (m *Manager) Release() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
