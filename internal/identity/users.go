// Package identity authenticates end users by username and password.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/ParleSec/dualauth/internal/auth"
)

// Demo user seeded when no users are configured
const (
	DefaultUsername  = "user"
	DefaultPassword  = "secret"
	DefaultAuthority = "ROLE_USER"
)

var (
	// ErrBadCredentials covers unknown users and wrong passwords alike;
	// the wrapped message tells them apart for logs
	ErrBadCredentials = errors.New("bad credentials")
	// ErrUserDisabled is returned for a disabled account with a correct password
	ErrUserDisabled = errors.New("user is disabled")
	// ErrDuplicateUser is returned when a username is registered twice
	ErrDuplicateUser = errors.New("user already exists")
)

// Authenticator verifies a username and password and resolves the principal
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*auth.Principal, error)
}

// User is a registered end user
type User struct {
	Username     string
	Authorities  []string
	Disabled     bool
	passwordHash []byte
}

// UserStore is an in-memory user registry with bcrypt hashed passwords
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*User
	cost  int
	// dummy is compared against when the user does not exist
	dummy []byte
}

// Option configures a UserStore
type Option func(*UserStore)

// WithBcryptCost sets the bcrypt cost used when hashing passwords
func WithBcryptCost(cost int) Option {
	return func(s *UserStore) {
		s.cost = cost
	}
}

// NewUserStore creates an empty user store
func NewUserStore(opts ...Option) *UserStore {
	s := &UserStore{
		users: make(map[string]*User),
		cost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummy, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), s.cost)
	return s
}

// NewDefaultUserStore creates a store seeded with the demo user
func NewDefaultUserStore(opts ...Option) (*UserStore, error) {
	s := NewUserStore(opts...)
	if err := s.AddUser(DefaultUsername, DefaultPassword, DefaultAuthority); err != nil {
		return nil, err
	}
	return s, nil
}

// AddUser registers a user, hashing the password
func (s *UserStore) AddUser(username, password string, authorities ...string) error {
	if username == "" {
		return errors.New("username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, username)
	}
	s.users[username] = &User{
		Username:     username,
		Authorities:  slices.Clone(authorities),
		passwordHash: hash,
	}
	return nil
}

// SetDisabled enables or disables an account
func (s *UserStore) SetDisabled(username string, disabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, exists := s.users[username]
	if !exists {
		return false
	}
	u.Disabled = disabled
	return true
}

// Authenticate implements Authenticator
func (s *UserStore) Authenticate(_ context.Context, username, password string) (*auth.Principal, error) {
	s.mu.RLock()
	u, exists := s.users[username]
	var hash []byte
	var authorities []string
	var disabled bool
	if exists {
		hash = u.passwordHash
		authorities = slices.Clone(u.Authorities)
		disabled = u.Disabled
	}
	s.mu.RUnlock()

	if !exists {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return nil, fmt.Errorf("%w: unknown user", ErrBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: password mismatch", ErrBadCredentials)
	}
	if disabled {
		return nil, ErrUserDisabled
	}
	return auth.NewUser(username, authorities...), nil
}

// Usernames lists registered usernames in order
func (s *UserStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
