// Package tokens issues, encodes and validates OAuth2 access and refresh tokens.
//
// The Service owns the issuance rules (scopes, lifetimes, refresh tokens) and
// delegates encoding and persistence to a Store. Stores are interchangeable:
// opaque stores (memory, Redis, SQLite) hand out random identifiers and keep
// the token server side, the JWT store encodes the token into a signed value.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ParleSec/dualauth/internal/auth"
)

// TokenTypeBearer is the only token type issued
const TokenTypeBearer = "bearer"

var (
	// ErrInvalidToken is returned when a value cannot be decoded or is not known
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token is past its expiry
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidScope is returned when none of the requested scopes are allowed
	ErrInvalidScope = errors.New("invalid scope")
)

// AccessToken is an issued access token
type AccessToken struct {
	Value        string
	ID           string
	TokenType    string
	ClientID     string
	Principal    *auth.Principal
	Scopes       []string
	Audience     []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RefreshToken *RefreshToken
}

// ExpiresIn returns the remaining lifetime in whole seconds, never negative
func (t *AccessToken) ExpiresIn(now time.Time) int {
	secs := int(t.ExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// Scope returns the scopes space-delimited, as they appear on the wire
func (t *AccessToken) Scope() string {
	return strings.Join(t.Scopes, " ")
}

// HasScope reports whether the token was granted the scope
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

func (t *AccessToken) clone() *AccessToken {
	c := *t
	c.Principal = t.Principal.Clone()
	c.Scopes = slices.Clone(t.Scopes)
	c.Audience = slices.Clone(t.Audience)
	c.RefreshToken = nil
	return &c
}

// RefreshToken is an issued refresh token
type RefreshToken struct {
	Value     string
	ID        string
	ClientID  string
	Principal *auth.Principal
	Scopes    []string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (t *RefreshToken) clone() *RefreshToken {
	c := *t
	c.Principal = t.Principal.Clone()
	c.Scopes = slices.Clone(t.Scopes)
	c.Audience = slices.Clone(t.Audience)
	return &c
}

// Store encodes and persists tokens.
//
// Store methods return the value handed to the client. Read methods return
// ErrInvalidToken for unknown values and must not check expiry; the Service
// does that with its own clock. Remove methods are idempotent.
type Store interface {
	StoreAccessToken(ctx context.Context, token *AccessToken) (string, error)
	ReadAccessToken(ctx context.Context, value string) (*AccessToken, error)
	RemoveAccessToken(ctx context.Context, value string) error

	StoreRefreshToken(ctx context.Context, token *RefreshToken) (string, error)
	ReadRefreshToken(ctx context.Context, value string) (*RefreshToken, error)
	RemoveRefreshToken(ctx context.Context, value string) error
}

// generateValue returns an opaque random token value
func generateValue() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
