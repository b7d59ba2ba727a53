package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"
)

// KeySet manages the RSA signing key for self-contained tokens
type KeySet struct {
	rsaKey    *rsa.PrivateKey
	rsaKeyID  string
	createdAt time.Time
	mu        sync.RWMutex
}

// NewKeySet generates a new key set with a fresh RSA key
func NewKeySet() (*KeySet, error) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeySet(rsaKey), nil
}

// LoadKeySet reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
// Instances sharing the file accept each other's tokens.
func LoadKeySet(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseKeySet(data)
}

// ParseKeySet parses a PEM encoded RSA private key
func ParseKeySet(data []byte) (*KeySet, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeySet(key), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an RSA key")
	}
	return newKeySet(key), nil
}

func newKeySet(key *rsa.PrivateKey) *KeySet {
	return &KeySet{
		rsaKey:    key,
		rsaKeyID:  generateKeyID("rsa"),
		createdAt: time.Now(),
	}
}

// generateKeyID creates a unique key identifier
func generateKeyID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s-%x", prefix, b)
}

// RSAPrivateKey returns the RSA private key
func (ks *KeySet) RSAPrivateKey() *rsa.PrivateKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.rsaKey
}

// RSAPublicKey returns the RSA public key
func (ks *KeySet) RSAPublicKey() *rsa.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return &ks.rsaKey.PublicKey
}

// RSAKeyID returns the RSA key ID
func (ks *KeySet) RSAKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.rsaKeyID
}

// CreatedAt returns when the keys were created
func (ks *KeySet) CreatedAt() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.createdAt
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`           // Key Type
	Use string `json:"use,omitempty"` // Public Key Use
	Kid string `json:"kid,omitempty"` // Key ID
	Alg string `json:"alg,omitempty"` // Algorithm

	N string `json:"n,omitempty"` // Modulus
	E string `json:"e,omitempty"` // Exponent
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS returns the public key in JWKS format
func (ks *KeySet) PublicJWKS() JWKS {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	pub := &ks.rsaKey.PublicKey
	return JWKS{
		Keys: []JWK{{
			Kty: "RSA",
			Use: "sig",
			Kid: ks.rsaKeyID,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

// PublicKeyPEM returns the public key as a PEM block, the format of the token_key endpoint
func (ks *KeySet) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(ks.RSAPublicKey())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
