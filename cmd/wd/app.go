package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/auth"
	"github.com/ehrlich-b/wingdesk/internal/config"
	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/metrics"
	"github.com/ehrlich-b/wingdesk/internal/session"
	"github.com/ehrlich-b/wingdesk/internal/store"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

// app is the per-invocation wiring shared by commands.
type app struct {
	dir      string
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	creds    *auth.TokenStore
	store    *store.Store
}

func loadApp(g *globalFlags) (*app, error) {
	dir := g.dir
	if dir == "" {
		d, err := config.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		dir = d
	}
	if err := config.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	cfg, err := config.Load(config.Path(dir))
	if err != nil {
		return nil, err
	}
	if g.server != "" {
		cfg.Server = g.server
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.New(cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	reg := prometheus.NewRegistry()
	a := &app{
		dir:      dir,
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics.New(reg),
		creds:    auth.NewTokenStore(dir),
	}
	if g.metricsAddr != "" {
		go a.serveMetrics(g.metricsAddr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server", zap.String("addr", addr), zap.Error(err))
	}
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	a.log.Sync()
}

func (a *app) server() (string, error) {
	if a.cfg.Server == "" {
		return "", errors.New("no server configured; run `wd login --server URL` or set WD_SERVER")
	}
	return a.cfg.Server, nil
}

// credential returns the stored token for the configured server.
func (a *app) credential() (*auth.Credential, error) {
	server, err := a.server()
	if err != nil {
		return nil, err
	}
	c, err := a.creds.Valid(server, time.Now())
	if errors.Is(err, auth.ErrNoCredential) {
		return nil, fmt.Errorf("not logged in to %s; run `wd login`", server)
	}
	return c, err
}

// client builds an authenticated API client.
func (a *app) client() (*api.Client, error) {
	c, err := a.credential()
	if err != nil {
		return nil, err
	}
	return api.New(api.Options{
		BaseURL: c.Server,
		Token:   c.Token,
		RPS:     a.cfg.RateLimit.RPS,
		Burst:   a.cfg.RateLimit.Burst,
		Logger:  a.log,
	}), nil
}

// openStore opens the transcript cache. Failure is logged, not fatal.
func (a *app) openStore() *store.Store {
	if a.store != nil {
		return a.store
	}
	st, err := store.Open(a.cfg.StorePath(a.dir))
	if err != nil {
		a.log.Warn("open transcript cache", zap.Error(err))
		return nil
	}
	a.store = st
	return st
}

// session builds a session with API and cache wired. Only the callbacks in
// hooks are read.
func (a *app) session(hooks session.Options) (*session.Session, *auth.Credential, error) {
	cred, err := a.credential()
	if err != nil {
		return nil, nil, err
	}
	client, err := a.client()
	if err != nil {
		return nil, nil, err
	}
	s := session.New(session.Options{
		Model:         a.cfg.Model,
		RetryDelay:    a.cfg.Reconnect.Delay,
		RetryAttempts: a.cfg.Reconnect.Attempts,
		Logger:        a.log,
		Metrics:       a.metrics,
		API:           client,
		Store:         a.openStore(),
		OnServerError: hooks.OnServerError,
		OnSettled:     hooks.OnSettled,
	})
	return s, cred, nil
}

// connect dials and waits up to timeout for the first connection.
func (a *app) connect(ctx context.Context, s *session.Session, cred *auth.Credential, timeout time.Duration) (*ws.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := s.Connect(ctx, cred.Server, cred.Token)
	if err != nil {
		if conn != nil && errors.Is(conn.LastError(), ws.ErrAuthRejected) {
			return nil, fmt.Errorf("server rejected the stored credential; run `wd login`")
		}
		return nil, fmt.Errorf("connect to %s: %w", cred.Server, err)
	}
	return conn, nil
}

// watchEndpoint reconnects the session when config or credential files change.
func (a *app) watchEndpoint(ctx context.Context, s *session.Session) {
	err := s.WatchConfig(ctx, a.dir, []string{filepath.Base(config.Path(a.dir)), filepath.Base(a.creds.Path())}, func() (session.Target, error) {
		cfg, err := config.Load(config.Path(a.dir))
		if err != nil {
			return session.Target{}, err
		}
		c, err := a.creds.Valid(cfg.Server, time.Now())
		if errors.Is(err, auth.ErrNoCredential) {
			return session.Target{Address: cfg.Server}, nil
		}
		if err != nil {
			return session.Target{}, err
		}
		return session.Target{Address: c.Server, Credential: c.Token}, nil
	})
	if err != nil {
		a.log.Warn("config watch stopped", zap.Error(err))
	}
}

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}
