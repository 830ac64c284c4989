package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/config"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

// Target is a connection endpoint read from local config.
type Target struct {
	Address    string
	Credential string
}

// WatchConfig re-reads the endpoint whenever one of names changes in dir and
// reconnects if it differs from the held one. An empty credential releases
// the connection. Blocks until ctx ends.
func (s *Session) WatchConfig(ctx context.Context, dir string, names []string, load func() (Target, error)) error {
	err := config.Watch(ctx, dir, names, 0, s.log, func(name string) {
		t, err := load()
		if err != nil {
			s.log.Warn("reload endpoint", zap.String("file", name), zap.Error(err))
			return
		}
		s.retarget(ctx, t)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) retarget(ctx context.Context, t Target) {
	if t.Address == "" || t.Credential == "" {
		if s.Conn() != nil {
			s.log.Info("credential removed; disconnecting")
			s.Disconnect()
		}
		return
	}
	if c := s.Conn(); c != nil && !c.Exhausted() && c.Key() == (ws.Key{Address: t.Address, Credential: t.Credential}) {
		return
	}
	s.log.Info("endpoint changed; reconnecting", zap.String("address", t.Address))
	if s.api != nil {
		s.api.SetToken(t.Credential)
	}
	go func() {
		if _, err := s.Connect(ctx, t.Address, t.Credential); err != nil && ctx.Err() == nil {
			s.log.Warn("reconnect after config change", zap.Error(err))
		}
	}()
}
