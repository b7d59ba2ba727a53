package authserver

import (
	"net/http"
	"net/url"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/clients"
)

// AuthorizePath is served on the web surface, behind the session guard
const AuthorizePath = "/oauth/authorize"

// HandleAuthorize is the authorization endpoint (RFC 6749 Section 4.1.1).
// The user is already signed in through the session guard. There is no
// consent page, so only auto-approved scopes can be granted.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.codes == nil {
		http.NotFound(w, r)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "Full authentication is required", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	client, err := s.registry.Lookup(q.Get("client_id"))
	if err != nil {
		// never redirect to an unverified URI
		http.Error(w, "Unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(redirectURI) {
		http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type")
		return
	}
	if !client.HasGrantType(clients.GrantAuthorizationCode) {
		redirectError(w, r, redirectURI, state, CodeUnauthorizedClient)
		return
	}

	scopes := parseScopes(q.Get("scope"))
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	for _, scope := range scopes {
		if !client.HasScope(scope) {
			redirectError(w, r, redirectURI, state, CodeInvalidScope)
			return
		}
		if !client.IsAutoApprove(scope) {
			redirectError(w, r, redirectURI, state, "access_denied")
			return
		}
	}

	code := s.codes.Create(client.ID, principal, redirectURI, scopes, false)
	s.audit.Emit(r.Context(), audit.Event{
		Type:      audit.EventCodeIssued,
		Surface:   "web",
		ClientID:  client.ID,
		Principal: principal.String(),
		Data:      map[string]interface{}{"scope": scopes},
	})

	params := url.Values{"code": {code.Code}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	params := url.Values{"error": {code}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
