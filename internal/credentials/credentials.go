// Package credentials supplies the bearer token attached to upstream requests.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source yields the current token and forgets it when the upstream rejects it.
type Source interface {
	Token() string
	Clear()
}

// Store is an in-memory Source.
type Store struct {
	mu    sync.RWMutex
	token string
}

// NewStatic returns a Store holding token.
func NewStatic(token string) *Store {
	return &Store{token: strings.TrimSpace(token)}
}

// LoadFile reads the token from path once. A missing file yields an empty store.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStatic(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: read token file: %w", err)
	}
	return NewStatic(string(data)), nil
}

// Token returns the current token or an empty string.
func (s *Store) Token() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token.
func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Clear drops the token.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Info describes the claims of a bearer token.
type Info struct {
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token carries an expiry earlier than now.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Inspect decodes JWT claims without verifying the signature. The agent never holds
// the signing key; this is for diagnostics only.
func Inspect(token string) (Info, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Info{}, errors.New("credentials: empty token")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Info{}, fmt.Errorf("credentials: parse token: %w", err)
	}

	info := Info{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
