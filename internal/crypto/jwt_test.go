package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_SignAndValidate(t *testing.T) {
	t.Parallel()

	ks, err := NewKeySet()
	require.NoError(t, err)
	svc := NewJWTService(ks, "http://localhost:8080")

	signed, err := svc.Sign(jwt.MapClaims{
		"sub": "user",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user", claims["sub"])
	assert.Equal(t, "http://localhost:8080", claims["iss"])
}

func TestJWTService_RejectsForeignKey(t *testing.T) {
	t.Parallel()

	ks1, err := NewKeySet()
	require.NoError(t, err)
	ks2, err := NewKeySet()
	require.NoError(t, err)

	signed, err := NewJWTService(ks1, "").Sign(jwt.MapClaims{"sub": "user"})
	require.NoError(t, err)

	_, err = NewJWTService(ks2, "").ValidateToken(signed)
	assert.Error(t, err)
}

func TestJWTService_Expired(t *testing.T) {
	t.Parallel()

	ks, err := NewKeySet()
	require.NoError(t, err)
	svc := NewJWTService(ks, "")

	signed, err := svc.Sign(jwt.MapClaims{"sub": "user", "exp": time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestParseKeySet(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	ks, err := ParseKeySet(pkcs1)
	require.NoError(t, err)
	assert.Equal(t, key.N, ks.RSAPublicKey().N)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	ks, err = ParseKeySet(pkcs8)
	require.NoError(t, err)
	assert.Equal(t, key.N, ks.RSAPublicKey().N)

	_, err = ParseKeySet([]byte("not pem"))
	assert.Error(t, err)
}

func TestKeySet_PublicJWKS(t *testing.T) {
	t.Parallel()

	ks, err := NewKeySet()
	require.NoError(t, err)

	jwks := ks.PublicJWKS()
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RSA", jwks.Keys[0].Kty)
	assert.Equal(t, ks.RSAKeyID(), jwks.Keys[0].Kid)

	pemKey, err := ks.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemKey, "BEGIN PUBLIC KEY")
}
