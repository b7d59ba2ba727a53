package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/clients"
)

const (
	// DefaultAccessTokenValidity applies when the client does not configure one
	DefaultAccessTokenValidity = 12 * time.Hour
	// DefaultRefreshTokenValidity applies when the client does not configure one
	DefaultRefreshTokenValidity = 30 * 24 * time.Hour
)

// Service issues and validates tokens on top of a Store
type Service struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now, mostly for tests
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithLogger sets the logger used for issuance and revocation events
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a token service. A nil store selects an in-memory opaque store.
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time
func (s *Service) Now() time.Time {
	return s.clock()
}

// Store returns the backing store
func (s *Service) Store() Store {
	return s.store
}

// Issue creates a new access token for principal on behalf of client.
//
// The granted scopes are the requested scopes the client is registered for,
// or every registered scope when none were requested. A refresh token is
// attached when the client may use the refresh_token grant, except for
// client_credentials where no end user can come back to refresh.
func (s *Service) Issue(ctx context.Context, principal *auth.Principal, client *clients.RegisteredClient, requested []string, grant clients.GrantType) (*AccessToken, error) {
	scopes, err := grantScopes(client.Scopes, requested)
	if err != nil {
		return nil, err
	}

	// whole seconds, so that every store encoding reports the same expiry
	now := s.clock().Truncate(time.Second)
	token := &AccessToken{
		ID:        uuid.NewString(),
		TokenType: TokenTypeBearer,
		ClientID:  client.ID,
		Principal: principal.Clone(),
		Scopes:    scopes,
		Audience:  slices.Clone(client.ResourceIDs),
		IssuedAt:  now,
		ExpiresAt: now.Add(accessValidity(client)),
	}

	if client.HasGrantType(clients.GrantRefreshToken) && grant != clients.GrantClientCredentials {
		refresh := &RefreshToken{
			ID:        uuid.NewString(),
			ClientID:  client.ID,
			Principal: principal.Clone(),
			Scopes:    slices.Clone(scopes),
			Audience:  slices.Clone(client.ResourceIDs),
			IssuedAt:  now,
			ExpiresAt: now.Add(refreshValidity(client)),
		}
		value, err := s.store.StoreRefreshToken(ctx, refresh)
		if err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
		refresh.Value = value
		token.RefreshToken = refresh
	}

	value, err := s.store.StoreAccessToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	token.Value = value

	s.logger.DebugContext(ctx, "issued access token",
		"client_id", client.ID,
		"principal", principal.String(),
		"grant_type", string(grant),
		"scope", token.Scope(),
		"refresh", token.RefreshToken != nil,
	)
	return token, nil
}

// Validate decodes an access token value and checks its expiry.
// It has no side effects; validating twice yields the same result.
func (s *Service) Validate(ctx context.Context, value string) (*AccessToken, error) {
	if value == "" {
		return nil, ErrInvalidToken
	}
	token, err := s.store.ReadAccessToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if s.clock().After(token.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return token, nil
}

// Refresh loads a refresh token presented by clientID and checks it is still usable
func (s *Service) Refresh(ctx context.Context, value, clientID string) (*RefreshToken, error) {
	if value == "" {
		return nil, ErrInvalidToken
	}
	token, err := s.store.ReadRefreshToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if token.ClientID != clientID {
		return nil, ErrInvalidToken
	}
	if s.clock().After(token.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return token, nil
}

// Reissue mints a new access token from a validated refresh token.
// Requested scopes may only narrow the original grant. The refresh token
// is reused as-is; it is not rotated.
func (s *Service) Reissue(ctx context.Context, refresh *RefreshToken, client *clients.RegisteredClient, requested []string) (*AccessToken, error) {
	scopes := slices.Clone(refresh.Scopes)
	if len(requested) > 0 {
		for _, sc := range requested {
			if !slices.Contains(refresh.Scopes, sc) {
				return nil, fmt.Errorf("%w: %q was not part of the original grant", ErrInvalidScope, sc)
			}
		}
		scopes = dedupe(requested)
	}

	now := s.clock().Truncate(time.Second)
	token := &AccessToken{
		ID:           uuid.NewString(),
		TokenType:    TokenTypeBearer,
		ClientID:     client.ID,
		Principal:    refresh.Principal.Clone(),
		Scopes:       scopes,
		Audience:     slices.Clone(refresh.Audience),
		IssuedAt:     now,
		ExpiresAt:    now.Add(accessValidity(client)),
		RefreshToken: refresh,
	}

	value, err := s.store.StoreAccessToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	token.Value = value

	s.logger.DebugContext(ctx, "reissued access token from refresh token",
		"client_id", client.ID,
		"principal", refresh.Principal.String(),
		"scope", token.Scope(),
	)
	return token, nil
}

// Revoke removes a token value, whichever kind it is. Unknown values are ignored.
func (s *Service) Revoke(ctx context.Context, value string) error {
	if value == "" {
		return nil
	}
	if err := s.store.RemoveAccessToken(ctx, value); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if err := s.store.RemoveRefreshToken(ctx, value); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func grantScopes(registered, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(registered), nil
	}
	granted := make([]string, 0, len(requested))
	for _, sc := range dedupe(requested) {
		if slices.Contains(registered, sc) {
			granted = append(granted, sc)
		}
	}
	if len(granted) == 0 {
		return nil, fmt.Errorf("%w: none of the requested scopes are registered for the client", ErrInvalidScope)
	}
	return granted, nil
}

func accessValidity(c *clients.RegisteredClient) time.Duration {
	if c.AccessTokenValidity > 0 {
		return c.AccessTokenValidity
	}
	return DefaultAccessTokenValidity
}

func refreshValidity(c *clients.RegisteredClient) time.Duration {
	if c.RefreshTokenValidity > 0 {
		return c.RefreshTokenValidity
	}
	return DefaultRefreshTokenValidity
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
