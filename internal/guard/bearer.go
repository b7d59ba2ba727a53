package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/metrics"
	"github.com/ParleSec/dualauth/internal/tokens"
)

// DefaultResourceID is the resource id the API surface checks tokens against
const DefaultResourceID = "oauth2-resource"

// ErrWrongAudience is returned when a token was issued for other resources
var ErrWrongAudience = errors.New("token not valid for this resource")

type tokenKey struct{}

// TokenFromContext returns the access token attached by BearerGuard.Middleware
func TokenFromContext(ctx context.Context) (*tokens.AccessToken, bool) {
	t, ok := ctx.Value(tokenKey{}).(*tokens.AccessToken)
	return t, ok
}

// BearerGuard authenticates API requests with an access token.
// It never looks at cookies.
type BearerGuard struct {
	tokens     *tokens.Service
	resourceID string
	logger     *slog.Logger
	audit      *audit.Hub
	metrics    *metrics.Metrics
}

// BearerOption configures a BearerGuard
type BearerOption func(*BearerGuard)

// WithResourceID sets the id checked against a token's audience
func WithResourceID(id string) BearerOption {
	return func(g *BearerGuard) {
		g.resourceID = id
	}
}

func WithBearerLogger(logger *slog.Logger) BearerOption {
	return func(g *BearerGuard) {
		g.logger = logger
	}
}

func WithBearerAudit(hub *audit.Hub) BearerOption {
	return func(g *BearerGuard) {
		g.audit = hub
	}
}

func WithBearerMetrics(m *metrics.Metrics) BearerOption {
	return func(g *BearerGuard) {
		g.metrics = m
	}
}

// NewBearerGuard creates a bearer guard validating tokens with svc
func NewBearerGuard(svc *tokens.Service, opts ...BearerOption) *BearerGuard {
	g := &BearerGuard{
		tokens:     svc,
		resourceID: DefaultResourceID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate implements Guard
func (g *BearerGuard) Authenticate(r *http.Request) (*auth.Principal, error) {
	token, err := g.AuthenticateToken(r)
	if err != nil {
		return nil, err
	}
	return token.Principal, nil
}

// AuthenticateToken validates the bearer token and returns it
func (g *BearerGuard) AuthenticateToken(r *http.Request) (*tokens.AccessToken, error) {
	value, ok := bearerToken(r)
	if !ok {
		return nil, ErrUnauthenticated
	}
	token, err := g.tokens.Validate(r.Context(), value)
	if err != nil {
		return nil, err
	}
	// tokens carry an audience only when the client registers resource ids
	if len(token.Audience) > 0 && !slices.Contains(token.Audience, g.resourceID) {
		return nil, ErrWrongAudience
	}
	return token, nil
}

// Middleware rejects requests without a valid token with 401 and attaches
// the principal and token to the context otherwise.
func (g *BearerGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := g.AuthenticateToken(r)
		if err != nil {
			g.reject(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), token.Principal)
		ctx = context.WithValue(ctx, tokenKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *BearerGuard) reject(w http.ResponseWriter, r *http.Request, err error) {
	code, description, reason := "invalid_token", "Invalid access token", "invalid_token"
	switch {
	case errors.Is(err, ErrUnauthenticated):
		code, description, reason = "unauthorized", "Full authentication is required to access this resource", "missing_token"
	case errors.Is(err, tokens.ErrExpiredToken):
		description, reason = "Access token expired", "expired_token"
	case errors.Is(err, ErrWrongAudience):
		description, reason = "Token was not issued for this resource", "wrong_audience"
	case errors.Is(err, tokens.ErrInvalidToken):
	default:
		g.logger.ErrorContext(r.Context(), "token validation failed", "error", err)
	}

	g.metrics.GuardRejected(SurfaceAPI, reason)
	g.audit.Emit(r.Context(), audit.Event{
		Type:    audit.EventAccessDenied,
		Surface: SurfaceAPI,
		Detail:  reason,
		Data:    map[string]interface{}{"method": r.Method, "path": r.URL.Path},
	})

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`, g.resourceID, code, description))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// Require returns middleware, placed after Middleware, that answers 403
// unless the principal holds authority and the token carries scope.
// Empty values are not checked.
func (g *BearerGuard) Require(authority, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				g.reject(w, r, ErrUnauthenticated)
				return
			}
			if authority != "" && !p.HasAuthority(authority) {
				g.forbid(w, r, p, "insufficient_authority", fmt.Sprintf("Authority %s is required", authority), "")
				return
			}
			if scope != "" {
				token, ok := TokenFromContext(r.Context())
				if !ok || !token.HasScope(scope) {
					g.forbid(w, r, p, "insufficient_scope", fmt.Sprintf("Scope %s is required", scope), scope)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forbid answers RFC 6750 Section 3.1 insufficient_scope
func (g *BearerGuard) forbid(w http.ResponseWriter, r *http.Request, p *auth.Principal, reason, description, scope string) {
	g.metrics.GuardRejected(SurfaceAPI, reason)
	g.audit.Emit(r.Context(), audit.Event{
		Type:      audit.EventAccessDenied,
		Surface:   SurfaceAPI,
		Principal: p.String(),
		Detail:    reason,
		Data:      map[string]interface{}{"method": r.Method, "path": r.URL.Path},
	})

	challenge := fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", error_description=%q`, g.resourceID, description)
	if scope != "" {
		challenge += fmt.Sprintf(`, scope=%q`, scope)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             "insufficient_scope",
		"error_description": description,
	})
}
