package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/ParleSec/dualauth/internal/clients"
	"github.com/ParleSec/dualauth/internal/identity"
	"github.com/ParleSec/dualauth/internal/session"
	"github.com/ParleSec/dualauth/internal/tokens"
)

// EnvPrefix is the prefix of every environment variable read by LoadConfig
const EnvPrefix = "DUALAUTH"

// Token store backends
const (
	StoreMemory = "memory"
	StoreJWT    = "jwt"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config holds the application configuration
type Config struct {
	// Environment (development, production)
	Environment string

	// Main listener serving the API and web surfaces
	ListenAddr string

	// Operations listener serving /healthz and /metrics; empty disables it
	MetricsAddr string

	// Base URL, also used as the JWT issuer
	BaseURL string

	LogLevel string

	// CORS allowed origins for the API surface
	CORSOrigins []string

	Client        clients.Config
	SecretEncoder string
	// EnableAuthorizationCode turns on the authorization endpoint and the
	// authorization_code grant; the client must then register redirect URIs
	EnableAuthorizationCode bool
	// SecretGenerated is set when no client secret was configured
	SecretGenerated bool

	Users []UserConfig

	Token     TokenConfig
	Session   SessionConfig
	RateLimit RateLimitConfig

	Audit AuditConfig
}

// AuditConfig sizes the event history and restricts who may read it
type AuditConfig struct {
	Capacity int
	// RequiredAuthority and RequiredScope gate /api/events; empty disables the check
	RequiredAuthority string
	RequiredScope     string
}

// UserConfig is an end user seeded into the identity store
type UserConfig struct {
	Username    string
	Password    string
	Authorities []string
	Disabled    bool
}

// TokenConfig selects and configures the token store
type TokenConfig struct {
	Store string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SQLiteDir string

	// KeyFile is a PEM encoded RSA key for the jwt store; a key is generated when empty
	KeyFile string

	CleanupInterval time.Duration
}

type SessionConfig struct {
	IdleTimeout  time.Duration
	CookieName   string
	SecureCookie bool
}

// RateLimitConfig limits requests per client address on the token endpoint
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("client.id", "client")
	v.SetDefault("client.secret", "secret")
	v.SetDefault("client.secret_encoder", "noop")
	v.SetDefault("client.scopes", []string{"all"})
	v.SetDefault("client.auto_approve_scopes", []string{})
	v.SetDefault("client.grant_types", grantTypeNames(clients.AllGrantTypes))
	v.SetDefault("client.resource_ids", []string{})
	v.SetDefault("client.authorities", []string{identity.DefaultAuthority})
	v.SetDefault("client.redirect_uris", []string{})
	v.SetDefault("client.access_token_validity", time.Duration(0))
	v.SetDefault("client.refresh_token_validity", time.Duration(0))
	v.SetDefault("client.enable_authorization_code", false)

	v.SetDefault("users", []string{identity.DefaultUsername + ":" + identity.DefaultPassword + ":" + identity.DefaultAuthority})

	v.SetDefault("token.store", StoreMemory)
	v.SetDefault("token.redis_addr", "localhost:6379")
	v.SetDefault("token.redis_username", "")
	v.SetDefault("token.redis_password", "")
	v.SetDefault("token.redis_db", 0)
	v.SetDefault("token.redis_prefix", "dualauth:")
	v.SetDefault("token.sqlite_dir", "./data")
	v.SetDefault("token.key_file", "")
	v.SetDefault("token.cleanup_interval", 5*time.Minute)

	v.SetDefault("session.idle_timeout", session.DefaultIdleTimeout)
	v.SetDefault("session.cookie_name", session.DefaultCookieName)
	v.SetDefault("session.secure_cookie", false)

	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("audit.capacity", 256)
	v.SetDefault("audit.required_authority", identity.DefaultAuthority)
	v.SetDefault("audit.required_scope", "")
}

// NewViper returns a viper instance with defaults and environment binding.
// DUALAUTH_TOKEN_STORE maps to token.store and so on.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the configuration out of v
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("environment"),
		ListenAddr:  v.GetString("listen_addr"),
		MetricsAddr: v.GetString("metrics_addr"),
		BaseURL:     strings.TrimRight(v.GetString("base_url"), "/"),
		LogLevel:    v.GetString("log_level"),
		CORSOrigins: stringList(v, "cors_origins"),
		Client: clients.Config{
			ID:                   v.GetString("client.id"),
			Secret:               v.GetString("client.secret"),
			GrantTypes:           stringList(v, "client.grant_types"),
			Scopes:               stringList(v, "client.scopes"),
			AutoApproveScopes:    stringList(v, "client.auto_approve_scopes"),
			ResourceIDs:          stringList(v, "client.resource_ids"),
			Authorities:          stringList(v, "client.authorities"),
			RedirectURIs:         stringList(v, "client.redirect_uris"),
			AccessTokenValidity:  v.GetDuration("client.access_token_validity"),
			RefreshTokenValidity: v.GetDuration("client.refresh_token_validity"),
		},
		SecretEncoder:           v.GetString("client.secret_encoder"),
		EnableAuthorizationCode: v.GetBool("client.enable_authorization_code"),
		Token: TokenConfig{
			Store:           strings.ToLower(v.GetString("token.store")),
			RedisAddr:       v.GetString("token.redis_addr"),
			RedisUsername:   v.GetString("token.redis_username"),
			RedisPassword:   v.GetString("token.redis_password"),
			RedisDB:         v.GetInt("token.redis_db"),
			RedisPrefix:     v.GetString("token.redis_prefix"),
			SQLiteDir:       v.GetString("token.sqlite_dir"),
			KeyFile:         v.GetString("token.key_file"),
			CleanupInterval: v.GetDuration("token.cleanup_interval"),
		},
		Session: SessionConfig{
			IdleTimeout:  v.GetDuration("session.idle_timeout"),
			CookieName:   v.GetString("session.cookie_name"),
			SecureCookie: v.GetBool("session.secure_cookie"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("ratelimit.requests"),
			Window:   v.GetDuration("ratelimit.window"),
		},
		Audit: AuditConfig{
			Capacity:          v.GetInt("audit.capacity"),
			RequiredAuthority: v.GetString("audit.required_authority"),
			RequiredScope:     v.GetString("audit.required_scope"),
		},
	}

	cfg.Client.RequireRedirectURIs = cfg.EnableAuthorizationCode

	if cfg.Client.Secret == "" {
		cfg.Client.Secret = uuid.NewString()
		cfg.SecretGenerated = true
	}

	users, err := parseUsers(v.GetStringSlice("users"))
	if err != nil {
		return nil, err
	}
	cfg.Users = users

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at bootstrap
func (c *Config) Validate() error {
	var errs []error
	switch c.Token.Store {
	case StoreMemory, StoreJWT, StoreRedis, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("token.store: unknown store %q", c.Token.Store))
	}
	if _, ok := clients.EncoderByName(c.SecretEncoder); !ok {
		errs = append(errs, fmt.Errorf("client.secret_encoder: unknown encoder %q", c.SecretEncoder))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Window < 0 {
		errs = append(errs, errors.New("ratelimit must not be negative"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// RedisConfig converts the token settings for tokens.NewRedisStore
func (c TokenConfig) RedisConfig() tokens.RedisConfig {
	return tokens.RedisConfig{
		Addr:      c.RedisAddr,
		Username:  c.RedisUsername,
		Password:  c.RedisPassword,
		DB:        c.RedisDB,
		KeyPrefix: c.RedisPrefix,
	}
}

// parseUsers reads "name:password[:AUTH1,AUTH2[:disabled]]" entries
func parseUsers(entries []string) ([]UserConfig, error) {
	users := make([]UserConfig, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			// the entry holds a password, so it is not echoed back
			return nil, fmt.Errorf("users: malformed entry #%d, want name:password[:authorities[:disabled]]", len(users)+1)
		}
		u := UserConfig{Username: parts[0], Password: parts[1]}
		if len(parts) >= 3 {
			u.Authorities = splitList(parts[2])
		}
		if len(parts) == 4 {
			if parts[3] != "disabled" {
				return nil, fmt.Errorf("users: entry #%d has unknown flag, want \"disabled\"", len(users)+1)
			}
			u.Disabled = true
		}
		if len(u.Authorities) == 0 {
			u.Authorities = []string{identity.DefaultAuthority}
		}
		users = append(users, u)
	}
	return users, nil
}

// stringList accepts both real lists (config files) and comma or space
// separated strings (environment variables)
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		out = append(out, splitList(item)...)
	}
	return out
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func grantTypeNames(types []clients.GrantType) []string {
	names := make([]string, len(types))
	for i, gt := range types {
		names[i] = string(gt)
	}
	return names
}
