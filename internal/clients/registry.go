// Package clients holds the registered OAuth2 client.
//
// The registry is built once at startup from configuration and is read-only
// afterwards, so lookups need no locking.
package clients

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// GrantType names an OAuth2 flow a client may use
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantPassword          GrantType = "password"
	GrantClientCredentials GrantType = "client_credentials"
	GrantImplicit          GrantType = "implicit"
	GrantRefreshToken      GrantType = "refresh_token"
)

// AllGrantTypes is the default grant set of the demo client
var AllGrantTypes = []GrantType{
	GrantAuthorizationCode,
	GrantPassword,
	GrantClientCredentials,
	GrantImplicit,
	GrantRefreshToken,
}

// ParseGrantType validates a grant type name
func ParseGrantType(s string) (GrantType, error) {
	gt := GrantType(s)
	if slices.Contains(AllGrantTypes, gt) {
		return gt, nil
	}
	return "", fmt.Errorf("unknown grant type %q", s)
}

// AutoApproveAll in the auto-approve list approves every registered scope
const AutoApproveAll = "true"

var (
	// ErrUnknownClient is returned for any client id other than the registered one
	ErrUnknownClient = errors.New("unknown client")
	// ErrBadClientSecret is returned when the presented secret does not match
	ErrBadClientSecret = errors.New("bad client secret")
	// ErrInvalidClientConfig is returned when the configured client breaks an invariant
	ErrInvalidClientConfig = errors.New("invalid client configuration")
)

// Config is the configuration a RegisteredClient is built from
type Config struct {
	ID                   string
	Secret               string
	GrantTypes           []string
	Scopes               []string
	AutoApproveScopes    []string
	ResourceIDs          []string
	Authorities          []string
	RedirectURIs         []string
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	// RequireRedirectURIs enforces redirect URIs for redirect-based grants.
	// Only meaningful when the authorization code subsystem is enabled.
	RequireRedirectURIs bool
}

// RegisteredClient is the immutable registered OAuth2 client
type RegisteredClient struct {
	ID                   string
	secret               string
	GrantTypes           []GrantType
	Scopes               []string
	AutoApproveScopes    []string
	ResourceIDs          []string
	Authorities          []string
	RedirectURIs         []string
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	// GeneratedID is true when no id was configured and one was generated
	GeneratedID bool
}

// HasGrantType reports whether the client is authorized for the grant
func (c *RegisteredClient) HasGrantType(gt GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// HasScope reports whether the scope is registered for the client
func (c *RegisteredClient) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// IsAutoApprove reports whether the scope is granted without a consent step
func (c *RegisteredClient) IsAutoApprove(scope string) bool {
	return slices.Contains(c.AutoApproveScopes, scope)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Registry holds exactly one registered client
type Registry struct {
	client  *RegisteredClient
	encoder SecretEncoder
}

// Option configures a Registry
type Option func(*Registry)

// WithSecretEncoder sets how the stored client secret is compared.
// The default is NoOpEncoder, i.e. the secret is kept and compared as plain text.
func WithSecretEncoder(enc SecretEncoder) Option {
	return func(r *Registry) {
		r.encoder = enc
	}
}

// New validates the configuration and builds the registry.
// An empty client id is replaced with a random UUID.
func New(cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{encoder: NoOpEncoder{}}
	for _, opt := range opts {
		opt(r)
	}

	client := &RegisteredClient{
		ID:                   cfg.ID,
		Scopes:               dedupe(cfg.Scopes),
		AutoApproveScopes:    dedupe(cfg.AutoApproveScopes),
		ResourceIDs:          dedupe(cfg.ResourceIDs),
		Authorities:          dedupe(cfg.Authorities),
		RedirectURIs:         dedupe(cfg.RedirectURIs),
		AccessTokenValidity:  cfg.AccessTokenValidity,
		RefreshTokenValidity: cfg.RefreshTokenValidity,
	}
	if client.ID == "" {
		client.ID = uuid.NewString()
		client.GeneratedID = true
	}

	for _, name := range dedupe(cfg.GrantTypes) {
		gt, err := ParseGrantType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
		}
		client.GrantTypes = append(client.GrantTypes, gt)
	}

	for _, s := range client.AutoApproveScopes {
		if s != AutoApproveAll && !client.HasScope(s) {
			return nil, fmt.Errorf("%w: auto-approve scope %q is not a registered scope", ErrInvalidClientConfig, s)
		}
	}
	// the stored set stays a subset of Scopes
	if slices.Contains(client.AutoApproveScopes, AutoApproveAll) {
		client.AutoApproveScopes = slices.Clone(client.Scopes)
	}

	if cfg.AccessTokenValidity < 0 || cfg.RefreshTokenValidity < 0 {
		return nil, fmt.Errorf("%w: token validity must be positive", ErrInvalidClientConfig)
	}

	if cfg.RequireRedirectURIs && len(client.RedirectURIs) == 0 &&
		(client.HasGrantType(GrantAuthorizationCode) || client.HasGrantType(GrantImplicit)) {
		return nil, fmt.Errorf("%w: redirect URIs are required for redirect-based grants", ErrInvalidClientConfig)
	}

	hashed, err := r.encoder.Encode(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: encode client secret: %v", ErrInvalidClientConfig, err)
	}
	client.secret = hashed
	r.client = client

	return r, nil
}

// Client returns the registered client
func (r *Registry) Client() *RegisteredClient {
	return r.client
}

// Lookup returns the client registered under id
func (r *Registry) Lookup(id string) (*RegisteredClient, error) {
	if id == "" || id != r.client.ID {
		return nil, ErrUnknownClient
	}
	return r.client, nil
}

// Authenticate checks the client id and secret presented by a caller
func (r *Registry) Authenticate(id, secret string) (*RegisteredClient, error) {
	client, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !r.encoder.Matches(secret, client.secret) {
		return nil, ErrBadClientSecret
	}
	return client, nil
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
