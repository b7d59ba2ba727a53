package authserver

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ParleSec/dualauth/internal/auth"
)

// DefaultCodeTTL is how long an authorization code can be exchanged
const DefaultCodeTTL = 10 * time.Minute

var (
	ErrUnknownCode     = errors.New("invalid authorization code")
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrCodeClient      = errors.New("client ID mismatch")
	ErrCodeRedirectURI = errors.New("redirect URI mismatch")
	ErrCodeNotApproved = errors.New("scopes were not approved")
)

// AuthorizationCode is a pending authorization_code grant
type AuthorizationCode struct {
	Code        string
	ClientID    string
	Principal   *auth.Principal
	RedirectURI string
	Scopes      []string
	// Approved records that the user consented to scopes outside auto-approve
	Approved  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CodeStore keeps authorization codes until they are exchanged.
// There is no consent UI; codes are created by whatever front end
// authenticates the user.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
	ttl   time.Duration
	clock func() time.Time
}

// NewCodeStore creates a code store. A zero ttl selects DefaultCodeTTL.
func NewCodeStore(ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{
		codes: make(map[string]*AuthorizationCode),
		ttl:   ttl,
		clock: time.Now,
	}
}

// Create stores a new authorization code for the principal
func (s *CodeStore) Create(clientID string, principal *auth.Principal, redirectURI string, scopes []string, approved bool) *AuthorizationCode {
	now := s.clock()
	code := &AuthorizationCode{
		Code:        uuid.NewString(),
		ClientID:    clientID,
		Principal:   principal.Clone(),
		RedirectURI: redirectURI,
		Scopes:      slices.Clone(scopes),
		Approved:    approved,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.codes[code.Code] = code
	s.mu.Unlock()

	return code
}

// Consume validates and removes a code. A code is removed on first
// presentation even when validation fails.
func (s *CodeStore) Consume(code, clientID, redirectURI string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, exists := s.codes[code]
	if !exists {
		return nil, ErrUnknownCode
	}
	delete(s.codes, code)

	if ac.ExpiresAt.Before(s.clock()) {
		return nil, ErrCodeExpired
	}
	if ac.ClientID != clientID {
		return nil, ErrCodeClient
	}
	if ac.RedirectURI != redirectURI {
		return nil, ErrCodeRedirectURI
	}
	return ac, nil
}

// Cleanup removes expired codes that were never exchanged
func (s *CodeStore) Cleanup() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, ac := range s.codes {
		if ac.ExpiresAt.Before(now) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed
}
