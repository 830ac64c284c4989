package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// ErrNoCredential is returned when no usable credential is stored.
var ErrNoCredential = errors.New("not logged in")

// Credential is a bearer token issued by a server's login endpoint.
type Credential struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
	SavedAt   int64  `yaml:"saved_at"`
}

// NewCredential wraps token for server, reading its expiry if it is a JWT.
func NewCredential(server, token string, now time.Time) *Credential {
	c := &Credential{Server: server, Token: token, SavedAt: now.Unix()}
	if exp, ok := Expiry(token); ok {
		c.ExpiresAt = exp.Unix()
	}
	return c
}

// Expiry reads the exp claim of a JWT without verifying its signature; the
// server verifies, the client only needs to know when to log in again.
func Expiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

type TokenStore struct {
	Dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{Dir: dir}
}

func (s *TokenStore) Path() string {
	return filepath.Join(s.Dir, "credential.yaml")
}

func (s *TokenStore) Save(c *Credential) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Load returns the stored credential, or nil if none is stored.
func (s *TokenStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var c Credential
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return &c, nil
}

// Valid loads the credential and checks it belongs to server and has not
// expired. An empty server matches any.
func (s *TokenStore) Valid(server string, now time.Time) (*Credential, error) {
	c, err := s.Load()
	if err != nil {
		return nil, err
	}
	if !IsValid(c, now) || (server != "" && c.Server != server) {
		return nil, ErrNoCredential
	}
	return c, nil
}

func (s *TokenStore) Delete() error {
	err := os.Remove(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func IsValid(c *Credential, now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	if c.ExpiresAt == 0 {
		return true
	}
	return now.Unix() < c.ExpiresAt
}
