package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/tokens"
	"github.com/ParleSec/dualauth/pkg/models"
)

// Endpoint paths relative to the API mount point
const (
	TokenPath      = "/oauth/token"
	RevokePath     = "/oauth/revoke"
	CheckTokenPath = "/oauth/check_token"
	TokenKeyPath   = "/oauth/token_key"
	JWKSPath       = "/.well-known/jwks.json"
)

// Routes registers the authorization server endpoints. limit wraps the token
// endpoint (rate limiting) and may be nil.
func (s *Server) Routes(r chi.Router, limit func(http.Handler) http.Handler) {
	token := http.Handler(http.HandlerFunc(s.HandleToken))
	if limit != nil {
		token = limit(token)
	}
	r.Method(http.MethodPost, TokenPath, token)
	r.Post(RevokePath, s.HandleRevoke)
	r.Post(CheckTokenPath, s.HandleIntrospect)

	if s.keySet != nil {
		r.Get(TokenKeyPath, s.HandleTokenKey)
		r.Get(JWKSPath, s.HandleJWKS)
	}
}

// PublicPaths lists the API paths that need neither a bearer token nor a
// session; the router lets them bypass the bearer guard.
func (s *Server) PublicPaths() []string {
	paths := []string{TokenPath, RevokePath, CheckTokenPath}
	if s.keySet != nil {
		paths = append(paths, TokenKeyPath, JWKSPath)
	}
	return paths
}

// HandleToken is the token endpoint (RFC 6749 Section 3.2)
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	// RFC 6749 Section 4.1.3: Content-Type MUST be application/x-www-form-urlencoded
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		writeOAuth2Error(w, errInvalidRequest("Content-Type must be application/x-www-form-urlencoded"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuth2Error(w, errInvalidRequest("Invalid form data"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	req := TokenRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		GrantType:    r.PostFormValue("grant_type"),
		Scopes:       parseScopes(r.PostFormValue("scope")),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
	}

	token, err := s.IssueToken(r.Context(), req)
	if err != nil {
		writeOAuth2Error(w, AsError(err))
		return
	}

	resp := models.TokenResponse{
		AccessToken: token.Value,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn(s.tokens.Now()),
		Scope:       token.Scope(),
		Jti:         token.ID,
	}
	if token.RefreshToken != nil {
		resp.RefreshToken = token.RefreshToken.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleIntrospect reports the state of a token (RFC 7662)
func (s *Server) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuth2Error(w, errInvalidRequest("Invalid form data"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if _, err := s.registry.Authenticate(clientID, clientSecret); err != nil {
		s.metrics.TokenError(CodeInvalidClient)
		writeOAuth2Error(w, errInvalidClient(err))
		return
	}

	token, err := s.tokens.Validate(r.Context(), r.PostFormValue("token"))
	if err != nil {
		// expired, revoked and unknown tokens are all simply inactive
		writeJSON(w, http.StatusOK, models.IntrospectionResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, introspection(token, s.issuer))
}

// HandleRevoke revokes an access or refresh token (RFC 7009)
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuth2Error(w, errInvalidRequest("Invalid form data"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client, err := s.registry.Authenticate(clientID, clientSecret)
	if err != nil {
		s.metrics.TokenError(CodeInvalidClient)
		writeOAuth2Error(w, errInvalidClient(err))
		return
	}

	// token_type_hint is advisory only; both kinds are tried
	if err := s.tokens.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		s.logger.ErrorContext(r.Context(), "revocation failed", "client_id", client.ID, "error", err)
	} else {
		s.metrics.TokenRevoked()
		s.audit.Emit(r.Context(), audit.Event{
			Type:     audit.EventTokenRevoked,
			Surface:  "api",
			ClientID: client.ID,
			Data:     map[string]interface{}{"token_type_hint": r.PostFormValue("token_type_hint")},
		})
	}

	// RFC 7009 Section 2.2: 200 whether or not the token was valid
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// HandleTokenKey publishes the verification key in the token_key format
func (s *Server) HandleTokenKey(w http.ResponseWriter, r *http.Request) {
	pemKey, err := s.keySet.PublicKeyPEM()
	if err != nil {
		writeOAuth2Error(w, errServer(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"alg":   "SHA256withRSA",
		"value": pemKey,
	})
}

// HandleJWKS publishes the verification key as a JWK set
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.keySet.PublicJWKS())
}

func introspection(t *tokens.AccessToken, issuer string) models.IntrospectionResponse {
	resp := models.IntrospectionResponse{
		Active:    true,
		Scope:     t.Scope(),
		ClientID:  t.ClientID,
		TokenType: "Bearer",
		Exp:       t.ExpiresAt.Unix(),
		Iat:       t.IssuedAt.Unix(),
		Aud:       t.Audience,
		Iss:       issuer,
		Jti:       t.ID,
	}
	if t.Principal != nil {
		resp.Sub = t.Principal.Name
		resp.Authorities = t.Principal.Authorities
		if !t.Principal.IsClient() {
			resp.Username = t.Principal.Name
		}
	}
	return resp
}

// clientCredentials reads HTTP Basic credentials (RFC 6749 Section 2.3.1,
// form-encoded before base64) and falls back to the request body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeOAuth2Error writes an RFC 6749 Section 5.2 error body
func writeOAuth2Error(w http.ResponseWriter, e *Error) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth2/client"`)
	}
	writeJSON(w, e.Status, models.ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
		ErrorURI:         e.URI(),
	})
}
