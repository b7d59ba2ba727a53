package authserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/clients"
	"github.com/ParleSec/dualauth/internal/identity"
	"github.com/ParleSec/dualauth/internal/metrics"
	"github.com/ParleSec/dualauth/internal/tokens"
)

type fixture struct {
	server *Server
	tokens *tokens.Service
	audit  *audit.Hub
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, mutate func(*clients.Config), opts ...Option) *fixture {
	t.Helper()

	cfg := clients.Config{
		ID:                   "client",
		Secret:               "secret",
		GrantTypes:           []string{"authorization_code", "password", "client_credentials", "implicit", "refresh_token"},
		Scopes:               []string{"all", "read"},
		AutoApproveScopes:    []string{"all"},
		Authorities:          []string{"ROLE_USER"},
		RedirectURIs:         []string{"http://localhost/callback"},
		AccessTokenValidity:  time.Hour,
		RefreshTokenValidity: 24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	registry, err := clients.New(cfg)
	require.NoError(t, err)

	users, err := identity.NewDefaultUserStore(identity.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	f := &fixture{now: time.Now().Truncate(time.Second)}
	f.tokens = tokens.NewService(nil, tokens.WithClock(f.clock), tokens.WithLogger(discardLogger()))
	f.audit = audit.NewHub(32, audit.WithLogger(discardLogger()))

	opts = append([]Option{
		WithLogger(discardLogger()),
		WithAudit(f.audit),
		WithMetrics(metrics.New()),
	}, opts...)
	f.server = New(registry, f.tokens, users, opts...)
	return f
}

func passwordRequest() TokenRequest {
	return TokenRequest{
		ClientID:     "client",
		ClientSecret: "secret",
		GrantType:    "password",
		Username:     "user",
		Password:     "secret",
		Scopes:       []string{"all"},
	}
}

func requireOAuthError(t *testing.T, err error, code string, status int) {
	t.Helper()
	require.Error(t, err)
	oerr := AsError(err)
	assert.Equal(t, code, oerr.Code)
	assert.Equal(t, status, oerr.Status)
}

func TestIssueToken_Password(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	token, err := f.server.IssueToken(context.Background(), passwordRequest())
	require.NoError(t, err)

	assert.Equal(t, "user", token.Principal.Name)
	assert.Equal(t, auth.KindUser, token.Principal.Kind)
	assert.Equal(t, []string{"all"}, token.Scopes)
	assert.Equal(t, f.now.Add(time.Hour), token.ExpiresAt)
	require.NotNil(t, token.RefreshToken)

	validated, err := f.tokens.Validate(context.Background(), token.Value)
	require.NoError(t, err)
	assert.Equal(t, "user", validated.Principal.Name)

	events := f.audit.Recent(1)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTokenIssued, events[0].Type)
}

func TestIssueToken_ClientAuthenticationComesFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(*TokenRequest)
		code   string
		status int
	}{
		{"unknown client", func(r *TokenRequest) { r.ClientID = "other" }, CodeInvalidClient, http.StatusUnauthorized},
		{"bad secret", func(r *TokenRequest) { r.ClientSecret = "nope" }, CodeInvalidClient, http.StatusUnauthorized},
		{"bad secret beats bad grant", func(r *TokenRequest) {
			r.ClientSecret = "nope"
			r.GrantType = "device_code"
		}, CodeInvalidClient, http.StatusUnauthorized},
		{"bad secret beats bad user", func(r *TokenRequest) {
			r.ClientSecret = "nope"
			r.Password = "nope"
		}, CodeInvalidClient, http.StatusUnauthorized},
		{"missing grant type", func(r *TokenRequest) { r.GrantType = "" }, CodeInvalidRequest, http.StatusBadRequest},
		{"unknown grant type", func(r *TokenRequest) { r.GrantType = "device_code" }, CodeUnsupportedGrantType, http.StatusBadRequest},
		{"implicit at token endpoint", func(r *TokenRequest) { r.GrantType = "implicit" }, CodeUnsupportedGrantType, http.StatusBadRequest},
		{"authorization_code without code store", func(r *TokenRequest) { r.GrantType = "authorization_code" }, CodeUnsupportedGrantType, http.StatusBadRequest},
		{"bad user password", func(r *TokenRequest) { r.Password = "wrong" }, CodeInvalidGrant, http.StatusBadRequest},
		{"unknown user", func(r *TokenRequest) { r.Username = "ghost" }, CodeInvalidGrant, http.StatusBadRequest},
		{"unregistered scope", func(r *TokenRequest) { r.Scopes = []string{"admin"} }, CodeInvalidScope, http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := passwordRequest()
			tt.mutate(&req)
			token, err := f.server.IssueToken(context.Background(), req)
			assert.Nil(t, token)
			requireOAuthError(t, err, tt.code, tt.status)
		})
	}
}

func TestIssueToken_BadCredentialsDescription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req := passwordRequest()
	req.Password = "wrong"

	_, err := f.server.IssueToken(context.Background(), req)
	oerr := AsError(err)
	assert.Equal(t, "Bad credentials", oerr.Description)
	assert.NotContains(t, oerr.Error(), "wrong")
}

func TestIssueToken_GrantNotAuthorizedForClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *clients.Config) {
		c.GrantTypes = []string{"client_credentials"}
	})

	_, err := f.server.IssueToken(context.Background(), passwordRequest())
	requireOAuthError(t, err, CodeUnsupportedGrantType, http.StatusBadRequest)
}

func TestIssueToken_ClientCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req := TokenRequest{ClientID: "client", ClientSecret: "secret", GrantType: "client_credentials"}

	token, err := f.server.IssueToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client", token.Principal.Name)
	assert.True(t, token.Principal.IsClient())
	assert.Equal(t, []string{"ROLE_USER"}, token.Principal.Authorities)
	assert.Equal(t, []string{"all", "read"}, token.Scopes)
	assert.Nil(t, token.RefreshToken)

	req.Scopes = []string{"read", "admin"}
	_, err = f.server.IssueToken(context.Background(), req)
	requireOAuthError(t, err, CodeInvalidScope, http.StatusBadRequest)
}

func TestIssueToken_RefreshToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	req := passwordRequest()
	req.Scopes = []string{"all", "read"}
	first, err := f.server.IssueToken(ctx, req)
	require.NoError(t, err)

	refresh := TokenRequest{
		ClientID:     "client",
		ClientSecret: "secret",
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken.Value,
		Scopes:       []string{"read"},
	}
	second, err := f.server.IssueToken(ctx, refresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, second.Scopes)
	assert.Equal(t, "user", second.Principal.Name)
	assert.Equal(t, first.RefreshToken.Value, second.RefreshToken.Value)

	refresh.Scopes = []string{"admin"}
	_, err = f.server.IssueToken(ctx, refresh)
	requireOAuthError(t, err, CodeInvalidScope, http.StatusBadRequest)

	refresh.Scopes = nil
	refresh.RefreshToken = "unknown"
	_, err = f.server.IssueToken(ctx, refresh)
	requireOAuthError(t, err, CodeInvalidGrant, http.StatusBadRequest)

	refresh.RefreshToken = ""
	_, err = f.server.IssueToken(ctx, refresh)
	requireOAuthError(t, err, CodeInvalidRequest, http.StatusBadRequest)

	f.now = f.now.Add(25 * time.Hour)
	refresh.RefreshToken = first.RefreshToken.Value
	_, err = f.server.IssueToken(ctx, refresh)
	requireOAuthError(t, err, CodeInvalidGrant, http.StatusBadRequest)
}

func TestIssueToken_AuthorizationCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codes := NewCodeStore(time.Minute)
	f := newFixture(t, nil, WithCodeStore(codes))
	user := auth.NewUser("user", "ROLE_USER")

	code := codes.Create("client", user, "http://localhost/callback", []string{"all"}, false)
	req := TokenRequest{
		ClientID:     "client",
		ClientSecret: "secret",
		GrantType:    "authorization_code",
		Code:         code.Code,
		RedirectURI:  "http://localhost/callback",
	}

	token, err := f.server.IssueToken(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "user", token.Principal.Name)
	assert.Equal(t, []string{"all"}, token.Scopes)

	// one-time use
	_, err = f.server.IssueToken(ctx, req)
	requireOAuthError(t, err, CodeInvalidGrant, http.StatusBadRequest)

	// redirect must match
	code = codes.Create("client", user, "http://localhost/callback", []string{"all"}, false)
	req.Code = code.Code
	req.RedirectURI = "http://evil/callback"
	_, err = f.server.IssueToken(ctx, req)
	requireOAuthError(t, err, CodeInvalidGrant, http.StatusBadRequest)

	// scopes outside auto-approve need consent
	code = codes.Create("client", user, "http://localhost/callback", []string{"read"}, false)
	req.Code = code.Code
	req.RedirectURI = "http://localhost/callback"
	_, err = f.server.IssueToken(ctx, req)
	requireOAuthError(t, err, CodeInvalidGrant, http.StatusBadRequest)

	code = codes.Create("client", user, "http://localhost/callback", []string{"read"}, true)
	req.Code = code.Code
	token, err = f.server.IssueToken(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, token.Scopes)
}

func TestCodeStore_Expiry(t *testing.T) {
	t.Parallel()

	codes := NewCodeStore(time.Minute)
	now := time.Now()
	codes.clock = func() time.Time { return now }
	code := codes.Create("client", auth.NewUser("user"), "http://localhost/callback", nil, true)

	now = now.Add(2 * time.Minute)
	_, err := codes.Consume(code.Code, "client", "http://localhost/callback")
	assert.ErrorIs(t, err, ErrCodeExpired)

	_, err = codes.Consume(code.Code, "client", "http://localhost/callback")
	assert.ErrorIs(t, err, ErrUnknownCode)

	codes.Create("client", auth.NewUser("user"), "http://localhost/callback", nil, true)
	now = now.Add(2 * time.Minute)
	codes.Create("client", auth.NewUser("user"), "http://localhost/callback", nil, true)
	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, codes.Cleanup())
}

func TestAsError(t *testing.T) {
	t.Parallel()

	oerr := AsError(assert.AnError)
	assert.Equal(t, CodeServerError, oerr.Code)
	assert.Equal(t, http.StatusInternalServerError, oerr.Status)
	assert.ErrorIs(t, oerr, assert.AnError)

	invalid := errInvalidClient(clients.ErrUnknownClient)
	assert.Same(t, invalid, AsError(invalid))
	assert.Equal(t, "unknown client", errorReason(invalid))
}
