// Package session defines the server-side session record shared by the HTTP
// handlers and the connection registry, and the contract of the stores that
// persist it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/circlejoin/internal/auth"
)

// DefaultTTL bounds a session's lifetime from creation.
const DefaultTTL = 144 * time.Hour

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Session is the record behind an opaque session cookie. Name and
// AccessToken are empty until the OAuth exchange completes; State holds the
// transient CSRF nonce of an in-flight login.
type Session struct {
	ID          string    `json:"-"`
	Name        string    `json:"name,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	State       string    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists sessions. Implementations key records by [StorageKey] and
// expire them at ExpiresAt.
type Store interface {
	// Get returns ErrNotFound for absent or expired sessions.
	Get(ctx context.Context, id string) (*Session, error)
	// Put creates or replaces the session. It does not extend ExpiresAt.
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// New returns a fresh, unauthenticated session expiring ttl from now.
func New(ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id, err := auth.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("session: failed to generate id: %w", err)
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Authenticated reports whether the OAuth exchange has completed.
func (s *Session) Authenticated() bool {
	return s != nil && s.Name != "" && s.AccessToken != ""
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// StorageKey is the key under which stores persist the session with the
// given cookie id.
func StorageKey(id string) string {
	return auth.HashToken(id)
}
