package crypto

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService signs and verifies RS256 tokens with a KeySet
type JWTService struct {
	keySet *KeySet
	issuer string
}

// NewJWTService creates a new JWT service
func NewJWTService(keySet *KeySet, issuer string) *JWTService {
	return &JWTService{
		keySet: keySet,
		issuer: issuer,
	}
}

// Issuer returns the iss claim stamped on signed tokens
func (s *JWTService) Issuer() string {
	return s.issuer
}

// KeySet returns the key set used for signing
func (s *JWTService) KeySet() *KeySet {
	return s.keySet
}

// Sign signs the claims, adding iss when it is not already set
func (s *JWTService) Sign(claims jwt.MapClaims) (string, error) {
	if _, ok := claims["iss"]; !ok && s.issuer != "" {
		claims["iss"] = s.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// ValidateToken verifies the signature and registered claims and returns the claims.
// Parser options (clock, leeway) are passed through to the jwt parser.
func (s *JWTService) ValidateToken(tokenString string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}, opts...)
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.keySet.RSAPublicKey(), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims format")
	}

	return claims, nil
}
