// Package session keeps server-side web sessions for the cookie-authenticated surface.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/ParleSec/dualauth/internal/auth"
)

const (
	DefaultCookieName  = "SESSION"
	DefaultIdleTimeout = 30 * time.Minute
)

// Session is a web session. Principal is nil while the session is anonymous
// (it then only carries the anti-forgery token for the login form).
type Session struct {
	ID         string
	Principal  *auth.Principal
	CSRFToken  string
	CreatedAt  time.Time
	LastAccess time.Time
}

// Authenticated reports whether a principal is bound to the session
func (s *Session) Authenticated() bool {
	return s != nil && s.Principal != nil
}

func (s *Session) clone() *Session {
	c := *s
	c.Principal = s.Principal.Clone()
	return &c
}

// Store is an in-memory session store with lazy idle expiry
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	clock       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates a session store. A zero idleTimeout selects DefaultIdleTimeout.
func NewStore(idleTimeout time.Duration, opts ...Option) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdleTimeout returns the configured idle timeout
func (s *Store) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// Create starts a new session, anonymous when principal is nil
func (s *Store) Create(principal *auth.Principal) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(principal, s.clock()).clone()
}

func (s *Store) createLocked(principal *auth.Principal, now time.Time) *Session {
	sess := &Session{
		ID:         generateID(),
		Principal:  principal.Clone(),
		CSRFToken:  generateID(),
		CreatedAt:  now,
		LastAccess: now,
	}
	s.sessions[sess.ID] = sess
	return sess
}

// Get returns the session and refreshes its last access time.
// Sessions idle for longer than the timeout are removed and reported missing.
func (s *Store) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, false
	}
	if now.Sub(sess.LastAccess) > s.idleTimeout {
		delete(s.sessions, id)
		return nil, false
	}
	sess.LastAccess = now
	return sess.clone(), true
}

// Rotate replaces the session under a fresh id and anti-forgery token and
// binds principal to it. The old id stops working immediately.
func (s *Store) Rotate(oldID string, principal *auth.Principal) *Session {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := now
	if old, exists := s.sessions[oldID]; exists {
		createdAt = old.CreatedAt
		delete(s.sessions, oldID)
	}
	sess := s.createLocked(principal, now)
	sess.CreatedAt = createdAt
	return sess.clone()
}

// Destroy removes the session. Unknown ids are ignored.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, expired ones included
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Cleanup removes idle sessions and returns how many were dropped
func (s *Store) Cleanup() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccess) > s.idleTimeout {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// CookieConfig describes the session cookie
type CookieConfig struct {
	Name   string
	Secure bool
}

// Cookie builds the session cookie for id
func (c CookieConfig) Cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     c.name(),
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Expired builds a cookie that makes the browser drop the session cookie
func (c CookieConfig) Expired() *http.Cookie {
	return &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Read returns the session id carried by the request, if any
func (c CookieConfig) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c CookieConfig) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func generateID() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
