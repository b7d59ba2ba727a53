package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/crypto"
)

const (
	claimTokenUse    = "token_use"
	tokenUseAccess   = "access"
	tokenUseRefresh  = "refresh"
	claimClientID    = "client_id"
	claimScope       = "scope"
	claimAuthorities = "authorities"
	claimKind        = "kind"
)

// JWTStore encodes tokens as RS256 signed JWTs. Nothing is kept server side
// except the ids of revoked tokens, which are held until the token expires.
type JWTStore struct {
	jwt *crypto.JWTService

	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewJWTStore creates a self-contained token store signing with svc
func NewJWTStore(svc *crypto.JWTService) *JWTStore {
	return &JWTStore{
		jwt:     svc,
		revoked: make(map[string]time.Time),
	}
}

func (s *JWTStore) StoreAccessToken(_ context.Context, token *AccessToken) (string, error) {
	claims := baseClaims(token.ID, token.ClientID, token.Principal, token.Scopes, token.Audience, token.IssuedAt, token.ExpiresAt)
	claims[claimTokenUse] = tokenUseAccess
	return s.jwt.Sign(claims)
}

func (s *JWTStore) ReadAccessToken(_ context.Context, value string) (*AccessToken, error) {
	d, err := s.decode(value, tokenUseAccess)
	if err != nil {
		return nil, err
	}
	return &AccessToken{
		Value:     value,
		ID:        d.id,
		TokenType: TokenTypeBearer,
		ClientID:  d.clientID,
		Principal: d.principal,
		Scopes:    d.scopes,
		Audience:  d.audience,
		IssuedAt:  d.issuedAt,
		ExpiresAt: d.expiresAt,
	}, nil
}

func (s *JWTStore) RemoveAccessToken(_ context.Context, value string) error {
	s.revoke(value)
	return nil
}

func (s *JWTStore) StoreRefreshToken(_ context.Context, token *RefreshToken) (string, error) {
	claims := baseClaims(token.ID, token.ClientID, token.Principal, token.Scopes, token.Audience, token.IssuedAt, token.ExpiresAt)
	claims[claimTokenUse] = tokenUseRefresh
	return s.jwt.Sign(claims)
}

func (s *JWTStore) ReadRefreshToken(_ context.Context, value string) (*RefreshToken, error) {
	d, err := s.decode(value, tokenUseRefresh)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{
		Value:     value,
		ID:        d.id,
		ClientID:  d.clientID,
		Principal: d.principal,
		Scopes:    d.scopes,
		Audience:  d.audience,
		IssuedAt:  d.issuedAt,
		ExpiresAt: d.expiresAt,
	}, nil
}

func (s *JWTStore) RemoveRefreshToken(_ context.Context, value string) error {
	s.revoke(value)
	return nil
}

// Cleanup forgets revocations of tokens that expired before cutoff
func (s *JWTStore) Cleanup(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jti, exp := range s.revoked {
		if exp.Before(cutoff) {
			delete(s.revoked, jti)
			removed++
		}
	}
	return removed
}

func (s *JWTStore) revoke(value string) {
	claims, err := s.parse(value)
	if err != nil {
		return
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return
	}
	exp := time.Now()
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}

	s.mu.Lock()
	s.revoked[jti] = exp
	s.mu.Unlock()
}

func (s *JWTStore) isRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.revoked[jti]
	return revoked
}

// parse verifies the signature only. Expiry is enforced by the Service clock.
func (s *JWTStore) parse(value string) (jwt.MapClaims, error) {
	claims, err := s.jwt.ValidateToken(value, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if iss := s.jwt.Issuer(); iss != "" {
		if got, _ := claims.GetIssuer(); got != iss {
			return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, got)
		}
	}
	return claims, nil
}

type decoded struct {
	id        string
	clientID  string
	principal *auth.Principal
	scopes    []string
	audience  []string
	issuedAt  time.Time
	expiresAt time.Time
}

func (s *JWTStore) decode(value, use string) (*decoded, error) {
	claims, err := s.parse(value)
	if err != nil {
		return nil, err
	}
	if got, _ := claims[claimTokenUse].(string); got != use {
		return nil, fmt.Errorf("%w: token_use %q, want %q", ErrInvalidToken, got, use)
	}

	d := &decoded{}
	d.id, _ = claims["jti"].(string)
	if d.id == "" || s.isRevoked(d.id) {
		return nil, ErrInvalidToken
	}
	d.clientID, _ = claims[claimClientID].(string)

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	d.expiresAt = exp.Time
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		d.issuedAt = iat.Time
	}
	if aud, err := claims.GetAudience(); err == nil {
		d.audience = []string(aud)
	}
	if scope, _ := claims[claimScope].(string); scope != "" {
		d.scopes = strings.Fields(scope)
	}

	sub, _ := claims.GetSubject()
	kind, _ := claims[claimKind].(string)
	d.principal = &auth.Principal{
		Name:        sub,
		Kind:        auth.PrincipalKind(kind),
		Authorities: stringSlice(claims[claimAuthorities]),
	}
	return d, nil
}

func baseClaims(id, clientID string, p *auth.Principal, scopes, audience []string, iat, exp time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"jti":         id,
		"iat":         iat.Unix(),
		"exp":         exp.Unix(),
		claimClientID: clientID,
		claimScope:    strings.Join(scopes, " "),
	}
	if p != nil {
		claims["sub"] = p.Name
		claims[claimKind] = string(p.Kind)
		if len(p.Authorities) > 0 {
			claims[claimAuthorities] = p.Authorities
		}
	}
	if len(audience) > 0 {
		claims["aud"] = audience
	}
	return claims
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
