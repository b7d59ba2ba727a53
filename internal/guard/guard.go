// Package guard holds the two authentication strategies: bearer tokens for
// the API surface and cookie sessions for the web surface. Each surface uses
// exactly one of them.
package guard

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ParleSec/dualauth/internal/auth"
)

// ErrUnauthenticated is returned when a request carries no credentials at all
var ErrUnauthenticated = errors.New("authentication required")

// Guard authenticates a request and resolves its principal
type Guard interface {
	Authenticate(r *http.Request) (*auth.Principal, error)
}

// Surface names used in logs, metrics and audit events
const (
	SurfaceAPI = "api"
	SurfaceWeb = "web"
)

// bearerToken extracts the token of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
