package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/authserver"
	"github.com/ParleSec/dualauth/internal/clients"
	"github.com/ParleSec/dualauth/internal/crypto"
	"github.com/ParleSec/dualauth/internal/guard"
	"github.com/ParleSec/dualauth/internal/identity"
	"github.com/ParleSec/dualauth/internal/metrics"
	"github.com/ParleSec/dualauth/internal/session"
	"github.com/ParleSec/dualauth/internal/tokens"
)

// Components holds every initialized dependency of the server
type Components struct {
	Config     *Config
	Logger     *slog.Logger
	Registry   *clients.Registry
	Users      *identity.UserStore
	KeySet     *crypto.KeySet
	Store      tokens.Store
	Tokens     *tokens.Service
	AuthServer *authserver.Server
	Bearer     *guard.BearerGuard
	Sessions   *session.Store
	Web        *guard.SessionGuard
	Audit      *audit.Hub
	Metrics    *metrics.Metrics

	closers []func() error
}

// BootstrapOption adjusts the components before they are wired together
type BootstrapOption func(*bootstrapOptions)

type bootstrapOptions struct {
	clock     func() time.Time
	bcrypt    int
	tokenOpts []tokens.Option
	store     tokens.Store
}

// WithClock replaces time.Now in the token service and session store
func WithClock(clock func() time.Time) BootstrapOption {
	return func(o *bootstrapOptions) {
		o.clock = clock
	}
}

// WithBcryptCost sets the cost used to hash seeded user passwords
func WithBcryptCost(cost int) BootstrapOption {
	return func(o *bootstrapOptions) {
		o.bcrypt = cost
	}
}

// WithTokenStore bypasses token.store and uses store as is
func WithTokenStore(store tokens.Store) BootstrapOption {
	return func(o *bootstrapOptions) {
		o.store = store
	}
}

// Bootstrap builds the components described by cfg
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...BootstrapOption) (*Components, error) {
	var o bootstrapOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}
	c.Audit = audit.NewHub(cfg.Audit.Capacity,
		audit.WithLogger(logger.With("component", "audit")),
		audit.WithRequestID(middleware.GetReqID),
	)

	encoder, ok := clients.EncoderByName(cfg.SecretEncoder)
	if !ok {
		return nil, fmt.Errorf("unknown secret encoder %q", cfg.SecretEncoder)
	}
	registry, err := clients.New(cfg.Client, clients.WithSecretEncoder(encoder))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize client registry: %w", err)
	}
	c.Registry = registry

	if err := c.initUsers(o.bcrypt); err != nil {
		return nil, err
	}

	if err := c.initTokenStore(ctx, o.store); err != nil {
		c.Close()
		return nil, err
	}

	tokenOpts := []tokens.Option{tokens.WithLogger(logger.With("component", "tokens"))}
	sessionOpts := []session.Option{}
	if o.clock != nil {
		tokenOpts = append(tokenOpts, tokens.WithClock(o.clock))
		sessionOpts = append(sessionOpts, session.WithClock(o.clock))
	}
	c.Tokens = tokens.NewService(c.Store, tokenOpts...)

	serverOpts := []authserver.Option{
		authserver.WithLogger(logger.With("component", "authserver")),
		authserver.WithAudit(c.Audit),
		authserver.WithMetrics(c.Metrics),
		authserver.WithIssuer(cfg.BaseURL),
	}
	if c.KeySet != nil {
		serverOpts = append(serverOpts, authserver.WithKeySet(c.KeySet))
	}
	client := registry.Client()
	if cfg.EnableAuthorizationCode {
		if client.HasGrantType(clients.GrantAuthorizationCode) {
			serverOpts = append(serverOpts, authserver.WithCodeStore(authserver.NewCodeStore(authserver.DefaultCodeTTL)))
		} else {
			logger.Warn("authorization code flow enabled but the client lacks the authorization_code grant")
		}
	}
	c.AuthServer = authserver.New(registry, c.Tokens, c.Users, serverOpts...)

	c.Bearer = guard.NewBearerGuard(c.Tokens,
		guard.WithBearerLogger(logger.With("component", "bearer")),
		guard.WithBearerAudit(c.Audit),
		guard.WithBearerMetrics(c.Metrics),
	)

	c.Sessions = session.NewStore(cfg.Session.IdleTimeout, sessionOpts...)
	logger.Info("session store initialized", "idle_timeout", c.Sessions.IdleTimeout())
	c.Web = guard.NewSessionGuard(c.Sessions, c.Users,
		guard.WithCookieConfig(session.CookieConfig{Name: cfg.Session.CookieName, Secure: cfg.Session.SecureCookie}),
		guard.WithSessionLogger(logger.With("component", "session")),
		guard.WithSessionAudit(c.Audit),
		guard.WithSessionMetrics(c.Metrics),
	)

	c.logClientDetails()
	return c, nil
}

func (c *Components) initUsers(cost int) error {
	var opts []identity.Option
	if cost > 0 {
		opts = append(opts, identity.WithBcryptCost(cost))
	}
	users := identity.NewUserStore(opts...)
	for _, u := range c.Config.Users {
		if err := users.AddUser(u.Username, u.Password, u.Authorities...); err != nil {
			return fmt.Errorf("failed to add user %q: %w", u.Username, err)
		}
		if u.Disabled {
			users.SetDisabled(u.Username, true)
		}
	}
	c.Users = users
	c.Logger.Info("identity store initialized", "users", users.Usernames())
	return nil
}

func (c *Components) initTokenStore(ctx context.Context, override tokens.Store) error {
	cfg := c.Config.Token
	if override != nil {
		c.Store = override
		return nil
	}

	switch cfg.Store {
	case StoreMemory, "":
		c.Store = tokens.NewMemoryStore()

	case StoreJWT:
		ks, err := c.loadKeySet()
		if err != nil {
			return err
		}
		c.KeySet = ks
		c.Store = tokens.NewJWTStore(crypto.NewJWTService(ks, c.Config.BaseURL))

	case StoreRedis:
		store, err := tokens.NewRedisStore(ctx, cfg.RedisConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize redis token store: %w", err)
		}
		c.Store = store
		c.closers = append(c.closers, store.Close)

	case StoreSQLite:
		store, err := tokens.OpenSQLStore(ctx, cfg.SQLiteDir)
		if err != nil {
			return fmt.Errorf("failed to initialize sqlite token store: %w", err)
		}
		c.Store = store
		c.closers = append(c.closers, store.Close)

	default:
		return fmt.Errorf("unknown token store %q", cfg.Store)
	}

	c.Logger.Info("token store initialized", "store", cfg.Store)
	return nil
}

func (c *Components) loadKeySet() (*crypto.KeySet, error) {
	if path := c.Config.Token.KeyFile; path != "" {
		ks, err := crypto.LoadKeySet(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		return ks, nil
	}
	ks, err := crypto.NewKeySet()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key set: %w", err)
	}
	c.Logger.Warn("signing key generated at startup; tokens will not survive a restart")
	return ks, nil
}

// logClientDetails prints the registered client. The secret is only shown
// when it was generated, since nobody else could know it.
func (c *Components) logClientDetails() {
	client := c.Registry.Client()
	secret := "****"
	if c.Config.SecretGenerated {
		secret = c.Config.Client.Secret
	}
	c.Logger.Info("initialized OAuth2 client",
		"client_id", client.ID,
		"client_secret", secret,
		"client_id_generated", client.GeneratedID,
		"grant_types", client.GrantTypes,
		"scopes", client.Scopes,
	)
}

// Ready checks the token store backend when it supports it
func (c *Components) Ready(ctx context.Context) error {
	if p, ok := c.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *Components) sweep(ctx context.Context) {
	now := c.Tokens.Now()
	sessions := c.Sessions.Cleanup()

	var removed int64
	switch s := c.Store.(type) {
	case interface{ Cleanup(time.Time) int }:
		removed = int64(s.Cleanup(now))
	case interface {
		Cleanup(context.Context, time.Time) (int64, error)
	}:
		n, err := s.Cleanup(ctx, now)
		if err != nil {
			c.Logger.WarnContext(ctx, "token cleanup failed", "error", err)
		}
		removed = n
	}
	if codes := c.AuthServer.Codes(); codes != nil {
		codes.Cleanup()
	}
	if sessions > 0 || removed > 0 {
		c.Logger.DebugContext(ctx, "maintenance sweep", "sessions", sessions, "tokens", removed)
	}
}

// Close releases backend connections
func (c *Components) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
