// Package authserver implements the OAuth2 token endpoint and the
// client-authenticated revocation and introspection endpoints.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/clients"
	"github.com/ParleSec/dualauth/internal/crypto"
	"github.com/ParleSec/dualauth/internal/identity"
	"github.com/ParleSec/dualauth/internal/metrics"
	"github.com/ParleSec/dualauth/internal/tokens"
)

// TokenRequest is a parsed token endpoint request
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	GrantType    string
	Scopes       []string

	// password
	Username string
	Password string

	// refresh_token
	RefreshToken string

	// authorization_code
	Code        string
	RedirectURI string
}

// Server is the authorization server
type Server struct {
	registry *clients.Registry
	tokens   *tokens.Service
	users    identity.Authenticator
	codes    *CodeStore
	keySet   *crypto.KeySet
	issuer   string

	logger  *slog.Logger
	audit   *audit.Hub
	metrics *metrics.Metrics
}

// Option configures a Server
type Option func(*Server)

// WithCodeStore enables the authorization_code grant
func WithCodeStore(codes *CodeStore) Option {
	return func(s *Server) {
		s.codes = codes
	}
}

// WithKeySet publishes the token verification key (self-contained tokens only)
func WithKeySet(ks *crypto.KeySet) Option {
	return func(s *Server) {
		s.keySet = ks
	}
}

// WithIssuer sets the iss reported by introspection
func WithIssuer(issuer string) Option {
	return func(s *Server) {
		s.issuer = issuer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithAudit(hub *audit.Hub) Option {
	return func(s *Server) {
		s.audit = hub
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates an authorization server
func New(registry *clients.Registry, tokenService *tokens.Service, users identity.Authenticator, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		tokens:   tokenService,
		users:    users,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codes returns the authorization code store, nil when the grant is disabled
func (s *Server) Codes() *CodeStore {
	return s.codes
}

// IssueToken runs the token endpoint logic: client authentication first,
// then the grant type check, then the grant itself. Every failure is an *Error.
func (s *Server) IssueToken(ctx context.Context, req TokenRequest) (*tokens.AccessToken, error) {
	token, err := s.issueToken(ctx, req)
	if err != nil {
		oerr := AsError(err)
		s.metrics.TokenError(oerr.Code)
		s.audit.Emit(ctx, audit.Event{
			Type:     audit.EventTokenRejected,
			Surface:  "api",
			ClientID: req.ClientID,
			Detail:   oerr.Code,
			Data:     map[string]interface{}{"grant_type": req.GrantType},
		})
		if oerr.Code == CodeServerError {
			s.logger.ErrorContext(ctx, "token request failed", "client_id", req.ClientID, "grant_type", req.GrantType, "error", err)
		} else {
			s.logger.InfoContext(ctx, "token request rejected", "client_id", req.ClientID, "grant_type", req.GrantType, "error", oerr.Code, "reason", errorReason(oerr))
		}
		return nil, oerr
	}

	s.metrics.TokenIssued(req.GrantType)
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTokenIssued,
		Surface:   "api",
		ClientID:  token.ClientID,
		Principal: token.Principal.String(),
		Data: map[string]interface{}{
			"grant_type":    req.GrantType,
			"scope":         token.Scope(),
			"expires_at":    token.ExpiresAt,
			"refresh_token": token.RefreshToken != nil,
		},
	})
	return token, nil
}

func (s *Server) issueToken(ctx context.Context, req TokenRequest) (*tokens.AccessToken, error) {
	client, err := s.registry.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, errInvalidClient(err)
	}

	if req.GrantType == "" {
		return nil, errInvalidRequest("Missing grant type")
	}
	grant, err := clients.ParseGrantType(req.GrantType)
	if err != nil || !client.HasGrantType(grant) {
		return nil, errUnsupportedGrantType(req.GrantType)
	}

	switch grant {
	case clients.GrantPassword:
		return s.passwordGrant(ctx, client, req)
	case clients.GrantClientCredentials:
		return s.clientCredentialsGrant(ctx, client, req)
	case clients.GrantRefreshToken:
		return s.refreshTokenGrant(ctx, client, req)
	case clients.GrantAuthorizationCode:
		if s.codes == nil {
			return nil, errUnsupportedGrantType(req.GrantType)
		}
		return s.authorizationCodeGrant(ctx, client, req)
	default:
		// implicit tokens are issued from the authorization endpoint, never here
		return nil, errUnsupportedGrantType(req.GrantType)
	}
}

func (s *Server) passwordGrant(ctx context.Context, client *clients.RegisteredClient, req TokenRequest) (*tokens.AccessToken, error) {
	principal, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, errInvalidGrant("Bad credentials", err)
	}
	return s.issue(ctx, principal, client, req.Scopes, clients.GrantPassword)
}

func (s *Server) clientCredentialsGrant(ctx context.Context, client *clients.RegisteredClient, req TokenRequest) (*tokens.AccessToken, error) {
	for _, scope := range req.Scopes {
		if !client.HasScope(scope) {
			return nil, errInvalidScope(fmt.Errorf("scope %q is not registered for the client", scope))
		}
	}
	principal := auth.NewClient(client.ID, client.Authorities...)
	return s.issue(ctx, principal, client, req.Scopes, clients.GrantClientCredentials)
}

func (s *Server) refreshTokenGrant(ctx context.Context, client *clients.RegisteredClient, req TokenRequest) (*tokens.AccessToken, error) {
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("Missing refresh token")
	}
	refresh, err := s.tokens.Refresh(ctx, req.RefreshToken, client.ID)
	switch {
	case errors.Is(err, tokens.ErrExpiredToken):
		return nil, errInvalidGrant("Invalid refresh token (expired)", err)
	case errors.Is(err, tokens.ErrInvalidToken):
		return nil, errInvalidGrant("Invalid refresh token", err)
	case err != nil:
		return nil, errServer(err)
	}

	token, err := s.tokens.Reissue(ctx, refresh, client, req.Scopes)
	if errors.Is(err, tokens.ErrInvalidScope) {
		return nil, errInvalidScope(err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	return token, nil
}

func (s *Server) authorizationCodeGrant(ctx context.Context, client *clients.RegisteredClient, req TokenRequest) (*tokens.AccessToken, error) {
	if req.Code == "" {
		return nil, errInvalidRequest("Missing authorization code")
	}
	code, err := s.codes.Consume(req.Code, client.ID, req.RedirectURI)
	if err != nil {
		return nil, errInvalidGrant("Invalid authorization code", err)
	}
	if !code.Approved {
		for _, scope := range code.Scopes {
			if !client.IsAutoApprove(scope) {
				return nil, errInvalidGrant("User denied access", ErrCodeNotApproved)
			}
		}
	}
	return s.issue(ctx, code.Principal, client, code.Scopes, clients.GrantAuthorizationCode)
}

func (s *Server) issue(ctx context.Context, principal *auth.Principal, client *clients.RegisteredClient, scopes []string, grant clients.GrantType) (*tokens.AccessToken, error) {
	token, err := s.tokens.Issue(ctx, principal, client, scopes, grant)
	if errors.Is(err, tokens.ErrInvalidScope) {
		return nil, errInvalidScope(err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	return token, nil
}

// errorReason describes a rejection for logs without revealing secrets
func errorReason(e *Error) string {
	switch {
	case errors.Is(e, clients.ErrUnknownClient):
		return "unknown client"
	case errors.Is(e, clients.ErrBadClientSecret):
		return "bad client secret"
	case e.cause != nil:
		return e.cause.Error()
	default:
		return e.Description
	}
}

// parseScopes splits a space-delimited scope parameter
func parseScopes(scope string) []string {
	return strings.Fields(scope)
}
