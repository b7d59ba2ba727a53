package clients

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func demoConfig() Config {
	return Config{
		ID:                  "client",
		Secret:              "secret",
		GrantTypes:          []string{"password", "client_credentials", "refresh_token"},
		Scopes:              []string{"all", "read"},
		AutoApproveScopes:   []string{"all"},
		Authorities:         []string{"ROLE_USER"},
		AccessTokenValidity: time.Hour,
	}
}

func TestNew_ValidConfig(t *testing.T) {
	t.Parallel()

	reg, err := New(demoConfig())
	require.NoError(t, err)

	c := reg.Client()
	assert.Equal(t, "client", c.ID)
	assert.False(t, c.GeneratedID)
	assert.True(t, c.HasGrantType(GrantPassword))
	assert.False(t, c.HasGrantType(GrantImplicit))
	assert.True(t, c.IsAutoApprove("all"))
	assert.False(t, c.IsAutoApprove("read"))
}

func TestNew_AutoApproveMustBeSubsetOfScopes(t *testing.T) {
	t.Parallel()

	cfg := demoConfig()
	cfg.AutoApproveScopes = []string{"all", "admin"}

	reg, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidClientConfig)
	assert.Nil(t, reg)
}

func TestNew_AutoApproveTrueApprovesEverything(t *testing.T) {
	t.Parallel()

	cfg := demoConfig()
	cfg.AutoApproveScopes = []string{"true"}

	reg, err := New(cfg)
	require.NoError(t, err)
	client := reg.Client()
	assert.True(t, client.IsAutoApprove("read"))
	assert.Equal(t, client.Scopes, client.AutoApproveScopes)
	for _, scope := range client.AutoApproveScopes {
		assert.True(t, client.HasScope(scope), "auto-approve scope %q must be registered", scope)
	}
	assert.False(t, client.IsAutoApprove(AutoApproveAll), "the marker itself is not a scope")
}

func TestNew_AutoApproveAllWithoutScopes(t *testing.T) {
	t.Parallel()

	cfg := demoConfig()
	cfg.Scopes = nil
	cfg.AutoApproveScopes = []string{AutoApproveAll}

	reg, err := New(cfg)
	require.NoError(t, err)
	assert.Empty(t, reg.Client().AutoApproveScopes)
}

func TestNew_AutoApproveAllMixedWithUnknownScope(t *testing.T) {
	t.Parallel()

	cfg := demoConfig()
	cfg.AutoApproveScopes = []string{AutoApproveAll, "admin"}

	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidClientConfig)
}

func TestNew_GeneratesClientID(t *testing.T) {
	t.Parallel()

	cfg := demoConfig()
	cfg.ID = ""

	reg, err := New(cfg)
	require.NoError(t, err)
	assert.True(t, reg.Client().GeneratedID)
	_, err = uuid.Parse(reg.Client().ID)
	assert.NoError(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown grant type", func(c *Config) { c.GrantTypes = []string{"device_code"} }},
		{"negative validity", func(c *Config) { c.AccessTokenValidity = -time.Second }},
		{"missing redirect uris", func(c *Config) {
			c.GrantTypes = []string{"authorization_code"}
			c.RequireRedirectURIs = true
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := demoConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidClientConfig)
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	reg, err := New(demoConfig())
	require.NoError(t, err)

	c, err := reg.Lookup("client")
	require.NoError(t, err)
	assert.Equal(t, "client", c.ID)

	_, err = reg.Lookup("other")
	assert.ErrorIs(t, err, ErrUnknownClient)

	_, err = reg.Lookup("")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	reg, err := New(demoConfig())
	require.NoError(t, err)

	_, err = reg.Authenticate("client", "secret")
	assert.NoError(t, err)

	_, err = reg.Authenticate("client", "wrong")
	assert.ErrorIs(t, err, ErrBadClientSecret)

	_, err = reg.Authenticate("nobody", "secret")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestAuthenticate_Bcrypt(t *testing.T) {
	t.Parallel()

	reg, err := New(demoConfig(), WithSecretEncoder(BcryptEncoder{Cost: bcrypt.MinCost}))
	require.NoError(t, err)

	_, err = reg.Authenticate("client", "secret")
	assert.NoError(t, err)

	_, err = reg.Authenticate("client", "secret2")
	assert.ErrorIs(t, err, ErrBadClientSecret)
}

func TestEncoderByName(t *testing.T) {
	t.Parallel()

	enc, ok := EncoderByName("bcrypt")
	require.True(t, ok)
	assert.IsType(t, BcryptEncoder{}, enc)

	enc, ok = EncoderByName("")
	require.True(t, ok)
	assert.IsType(t, NoOpEncoder{}, enc)

	_, ok = EncoderByName("md5")
	assert.False(t, ok)
}
