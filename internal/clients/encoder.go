package clients

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// SecretEncoder encodes a configured secret and checks presented secrets against it
type SecretEncoder interface {
	Encode(raw string) (string, error)
	Matches(raw, encoded string) bool
}

// NoOpEncoder keeps secrets as plain text.
// This is the demo behavior; real deployments should use BcryptEncoder.
type NoOpEncoder struct{}

func (NoOpEncoder) Encode(raw string) (string, error) {
	return raw, nil
}

func (NoOpEncoder) Matches(raw, encoded string) bool {
	return subtle.ConstantTimeCompare([]byte(raw), []byte(encoded)) == 1
}

// BcryptEncoder stores a salted bcrypt hash of the secret
type BcryptEncoder struct {
	Cost int
}

func (e BcryptEncoder) Encode(raw string) (string, error) {
	cost := e.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (BcryptEncoder) Matches(raw, encoded string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(raw)) == nil
}

// EncoderByName maps a configuration value to an encoder
func EncoderByName(name string) (SecretEncoder, bool) {
	switch name {
	case "", "noop", "plain":
		return NoOpEncoder{}, true
	case "bcrypt":
		return BcryptEncoder{}, true
	default:
		return nil, false
	}
}
