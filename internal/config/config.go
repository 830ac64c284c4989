package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/wingdesk/internal/logger"
)

// EnvPrefix prefixes every environment override (WD_SERVER, WD_LOG_LEVEL, ...).
const EnvPrefix = "WD"

// Config represents the client configuration.
type Config struct {
	Server    string          `yaml:"server"`
	Model     string          `yaml:"model,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Presence  PresenceConfig  `yaml:"presence"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ReconnectConfig struct {
	Delay    time.Duration `yaml:"delay"`
	Attempts int           `yaml:"attempts"` // negative disables reconnects
}

type PresenceConfig struct {
	Interval time.Duration `yaml:"interval"`
	Max      int           `yaml:"max"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
	File        string `yaml:"file,omitempty"`
}

type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // empty means <dir>/transcripts.db
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 means unlimited
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Model: "default",
		Reconnect: ReconnectConfig{
			Delay:    time.Second,
			Attempts: 5,
		},
		Presence: PresenceConfig{
			Interval: 10 * time.Second,
			Max:      8,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// env holds overrides read from the environment. Pointers stay nil when the
// variable is unset.
type env struct {
	Server         *string        `envconfig:"SERVER"`
	Model          *string        `envconfig:"MODEL"`
	ReconnectDelay *time.Duration `envconfig:"RECONNECT_DELAY"`
	Attempts       *int           `envconfig:"RECONNECT_ATTEMPTS"`
	PollInterval   *time.Duration `envconfig:"PRESENCE_INTERVAL"`
	PresenceMax    *int           `envconfig:"PRESENCE_MAX"`
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
	LogDev         *bool          `envconfig:"LOG_DEV"`
	LogFile        *string        `envconfig:"LOG_FILE"`
	StorePath      *string        `envconfig:"STORE_PATH"`
	RPS            *float64       `envconfig:"RATE_LIMIT_RPS"`
	Burst          *int           `envconfig:"RATE_LIMIT_BURST"`
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	set(&c.Server, e.Server)
	set(&c.Model, e.Model)
	set(&c.Reconnect.Delay, e.ReconnectDelay)
	set(&c.Reconnect.Attempts, e.Attempts)
	set(&c.Presence.Interval, e.PollInterval)
	set(&c.Presence.Max, e.PresenceMax)
	set(&c.Logging.Level, e.LogLevel)
	set(&c.Logging.Development, e.LogDev)
	set(&c.Logging.File, e.LogFile)
	set(&c.Store.Path, e.StorePath)
	set(&c.RateLimit.RPS, e.RPS)
	set(&c.RateLimit.Burst, e.Burst)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks if the configuration is valid. An empty server is allowed
// so that commands which do not connect still run.
func (c *Config) Validate() error {
	if c.Server != "" {
		u, err := url.Parse(c.Server)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("server must be an http(s) or ws(s) URL, got %q", c.Server)
		}
		if u.Host == "" {
			return fmt.Errorf("server %q has no host", c.Server)
		}
	}
	if c.Reconnect.Delay < 0 {
		return fmt.Errorf("reconnect.delay must not be negative")
	}
	if c.Presence.Interval < time.Second {
		return fmt.Errorf("presence.interval must be at least 1s")
	}
	if c.Presence.Max < 1 {
		return fmt.Errorf("presence.max must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// StorePath resolves the transcript cache location relative to dir.
func (c *Config) StorePath(dir string) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(dir, "transcripts.db")
}

// Save writes cfg to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Logger maps the logging section onto a logger config.
func (c *Config) Logger() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.Logging.Level
	lc.Development = c.Logging.Development
	if c.Logging.File != "" {
		lc.OutputPaths = []string{c.Logging.File}
	}
	return lc
}
