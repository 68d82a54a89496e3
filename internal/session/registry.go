package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found or expired")

// Session is a bearer credential issued at login. Sessions live only in
// memory; a server restart forces clients to re-authenticate.
type Session struct {
	Token     string    `json:"session_token"`
	ClientID  string    `json:"client_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry owns all live sessions behind one mutex. Expiry is lazy: an
// expired session is evicted when it is next looked up.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

func (r *Registry) Create(username string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	clientID := "client_" + hex.EncodeToString(uuidBytes())[:12]
	if username == "" {
		username = "Player_" + clientID[len(clientID)-6:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	s := Session{
		Token:     token,
		ClientID:  clientID,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.sessions[token] = s
	return s, nil
}

// Validate returns the session for token, or ErrNotFound. An expired
// session is evicted and reported as not found; callers must
// re-authenticate rather than retry.
func (r *Registry) Validate(token string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if r.now().UTC().After(s.ExpiresAt) {
		delete(r.sessions, token)
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// newToken returns a 256-bit random bearer token, base64url without
// padding.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func uuidBytes() []byte {
	u := uuid.New()
	return u[:]
}
