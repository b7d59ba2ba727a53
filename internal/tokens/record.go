package tokens

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ParleSec/dualauth/internal/auth"
)

// record is the serialized form of a token in the external opaque stores
type record struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Principal *auth.Principal `json:"principal,omitempty"`
	Scopes    []string        `json:"scopes,omitempty"`
	Audience  []string        `json:"audience,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func marshalAccess(t *AccessToken) ([]byte, error) {
	return json.Marshal(record{
		ID:        t.ID,
		ClientID:  t.ClientID,
		Principal: t.Principal,
		Scopes:    t.Scopes,
		Audience:  t.Audience,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	})
}

func marshalRefresh(t *RefreshToken) ([]byte, error) {
	return json.Marshal(record{
		ID:        t.ID,
		ClientID:  t.ClientID,
		Principal: t.Principal,
		Scopes:    t.Scopes,
		Audience:  t.Audience,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	})
}

func unmarshalRecord(data []byte) (*record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	return &r, nil
}

func (r *record) accessToken(value string) *AccessToken {
	return &AccessToken{
		Value:     value,
		ID:        r.ID,
		TokenType: TokenTypeBearer,
		ClientID:  r.ClientID,
		Principal: r.Principal,
		Scopes:    r.Scopes,
		Audience:  r.Audience,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func (r *record) refreshToken(value string) *RefreshToken {
	return &RefreshToken{
		Value:     value,
		ID:        r.ID,
		ClientID:  r.ClientID,
		Principal: r.Principal,
		Scopes:    r.Scopes,
		Audience:  r.Audience,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
