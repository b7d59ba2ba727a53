package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/ParleSec/dualauth/internal/clients"
)

func (e *testEnv) postToken(t *testing.T, form url.Values, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client", "secret")
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	if resp.StatusCode != http.StatusTooManyRequests {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestAuthorizationCode_DisabledByDefault(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	assert.Nil(t, env.components.AuthServer.Codes())

	resp, body := env.postToken(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"abc"},
		"redirect_uri": {"http://localhost/callback"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", body["error"])

	// the authorization endpoint is not mounted either, so a signed in
	// user falls through to the message route
	browser := env.browser(t)
	env.login(t, browser)
	resp, page := get(t, browser, env.http.URL+"/oauth/authorize?response_type=code&client_id=client", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, page, "messageId")
}

func TestAuthorizationCode_RequiresRedirectURIs(t *testing.T) {
	t.Parallel()

	v := NewViper()
	v.Set("client.enable_authorization_code", true)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.True(t, cfg.Client.RequireRedirectURIs)

	_, err = Bootstrap(context.Background(), cfg, discardLogger(), WithBcryptCost(bcrypt.MinCost))
	assert.ErrorIs(t, err, clients.ErrInvalidClientConfig)
}

func TestAuthorizationCode_EndToEnd(t *testing.T) {
	t.Parallel()

	const callback = "http://localhost:3000/callback"
	env := newTestEnv(t, map[string]interface{}{
		"client.enable_authorization_code": true,
		"client.redirect_uris":             []string{callback},
		"client.auto_approve_scopes":       []string{"all"},
	})
	require.NotNil(t, env.components.AuthServer.Codes())

	authorizeURL := env.http.URL + "/oauth/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"client"},
		"redirect_uri":  {callback},
		"scope":         {"all"},
		"state":         {"st-1"},
	}.Encode()

	browser := env.browser(t)
	resp, _ := get(t, browser, authorizeURL, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/login")

	env.login(t, browser)
	resp, _ = get(t, browser, authorizeURL, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), callback+"?"))
	assert.Equal(t, "st-1", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	ctx := context.Background()
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  callback,
		Endpoint: oauth2.Endpoint{
			TokenURL:  env.http.URL + "/api/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	tok, err := cfg.Exchange(ctx, code)
	require.NoError(t, err)

	resp, body := get(t, cfg.Client(ctx, tok), env.http.URL+"/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user", body)

	// codes are single use
	_, err = cfg.Exchange(ctx, code)
	assert.Error(t, err)
}

func TestTokenEndpointRateLimit_IgnoresRealIPHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, map[string]interface{}{"ratelimit.requests": 2})
	form := url.Values{"grant_type": {"client_credentials"}}

	for i, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		resp, _ := env.postToken(t, form, http.Header{"X-Real-Ip": {ip}})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}
	resp, _ := env.postToken(t, form, http.Header{"X-Real-Ip": {"203.0.113.3"}, "X-Forwarded-For": {"198.51.100.9"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAuditEndpointsRequireScope(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, map[string]interface{}{
		"client.scopes":        []string{"all", "audit"},
		"audit.required_scope": "audit",
	})
	token := env.accessToken(t)

	resp, _ := get(t, http.DefaultClient, env.http.URL+"/api/me", bearer(token))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, http.DefaultClient, env.http.URL+"/api/events/recent", bearer(token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `scope="audit"`)

	_, body := env.postToken(t, url.Values{
		"grant_type": {"password"},
		"username":   {"user"},
		"password":   {"secret"},
		"scope":      {"audit"},
	}, nil)
	auditToken, ok := body["access_token"].(string)
	require.True(t, ok)
	resp, _ = get(t, http.DefaultClient, env.http.URL+"/api/events/recent", bearer(auditToken))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuditEndpointsRequireAuthority(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, map[string]interface{}{"audit.required_authority": "ROLE_ADMIN"})
	resp, _ := get(t, http.DefaultClient, env.http.URL+"/api/events/recent", bearer(env.accessToken(t)))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisabledUserCannotSignIn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, map[string]interface{}{
		"users": []string{"user:secret", "dave:pw:ROLE_USER:disabled"},
	})
	assert.ElementsMatch(t, []string{"user", "dave"}, env.components.Users.Usernames())

	resp, body := env.postToken(t, url.Values{
		"grant_type": {"password"},
		"username":   {"dave"},
		"password":   {"pw"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])

	env.accessToken(t)
}
