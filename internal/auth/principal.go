// Package auth holds the authenticated principal shared by the API and web surfaces.
package auth

import (
	"context"
	"fmt"
)

// PrincipalKind tells an end user apart from a client acting on its own behalf
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindClient PrincipalKind = "client"
)

// Principal is the identity attached to an authenticated request
type Principal struct {
	Name        string        `json:"name"`
	Authorities []string      `json:"authorities,omitempty"`
	Kind        PrincipalKind `json:"kind"`
}

// NewUser returns an end-user principal
func NewUser(name string, authorities ...string) *Principal {
	return &Principal{Name: name, Authorities: authorities, Kind: KindUser}
}

// NewClient returns a principal representing the client itself (client_credentials)
func NewClient(clientID string, authorities ...string) *Principal {
	return &Principal{Name: clientID, Authorities: authorities, Kind: KindClient}
}

// IsClient reports whether the principal is a client rather than a user
func (p *Principal) IsClient() bool {
	return p != nil && p.Kind == KindClient
}

// HasAuthority reports whether the principal was granted the authority
func (p *Principal) HasAuthority(authority string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices with callers
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	if p.Authorities != nil {
		c.Authorities = append([]string(nil), p.Authorities...)
	}
	return &c
}

func (p *Principal) String() string {
	if p == nil {
		return "<anonymous>"
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.Name)
}

type principalKey struct{}

// WithPrincipal stores the principal in the context. A nil principal leaves ctx unchanged.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by a guard, if any
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
