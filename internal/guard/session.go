package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/ParleSec/dualauth/internal/audit"
	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/identity"
	"github.com/ParleSec/dualauth/internal/metrics"
	"github.com/ParleSec/dualauth/internal/session"
)

// Web paths handled by the session guard itself
const (
	LoginPath   = "/login"
	LogoutPath  = "/logout"
	LandingPath = "/"

	CSRFField  = "_csrf"
	CSRFHeader = "X-CSRF-TOKEN"
)

// ErrForbidden is returned when a state-changing request lacks a matching anti-forgery token
var ErrForbidden = errors.New("invalid anti-forgery token")

var (
	DefaultPublicPaths        = []string{LandingPath, LoginPath, LogoutPath, "/favicon.ico"}
	DefaultAuthenticatedPaths = []string{"/me"}
)

type sessionKey struct{}

// SessionFromContext returns the web session resolved by SessionGuard.Middleware.
// Anonymous sessions are returned too.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*session.Session)
	return s, ok
}

// SessionGuard authenticates browser requests with a session cookie and
// drives form login and logout. It never looks at the Authorization header.
type SessionGuard struct {
	sessions      *session.Store
	cookies       session.CookieConfig
	users         identity.Authenticator
	public        []string
	authenticated []string
	logger        *slog.Logger
	audit         *audit.Hub
	metrics       *metrics.Metrics
}

type SessionOption func(*SessionGuard)

func WithCookieConfig(cfg session.CookieConfig) SessionOption {
	return func(g *SessionGuard) {
		g.cookies = cfg
	}
}

// WithPublicPaths replaces the paths reachable without a session
func WithPublicPaths(paths ...string) SessionOption {
	return func(g *SessionGuard) {
		g.public = paths
	}
}

// WithAuthenticatedPaths replaces the paths that need a session. Paths in
// neither list need one as well.
func WithAuthenticatedPaths(paths ...string) SessionOption {
	return func(g *SessionGuard) {
		g.authenticated = paths
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(g *SessionGuard) {
		g.logger = logger
	}
}

func WithSessionAudit(hub *audit.Hub) SessionOption {
	return func(g *SessionGuard) {
		g.audit = hub
	}
}

func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(g *SessionGuard) {
		g.metrics = m
	}
}

// NewSessionGuard creates the web guard
func NewSessionGuard(sessions *session.Store, users identity.Authenticator, opts ...SessionOption) *SessionGuard {
	g := &SessionGuard{
		sessions:      sessions,
		users:         users,
		public:        DefaultPublicPaths,
		authenticated: DefaultAuthenticatedPaths,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sessions returns the underlying session store
func (g *SessionGuard) Sessions() *session.Store {
	return g.sessions
}

// Authenticate implements Guard
func (g *SessionGuard) Authenticate(r *http.Request) (*auth.Principal, error) {
	sess, ok := g.sessions.Get(g.cookies.Read(r))
	if !ok || !sess.Authenticated() {
		return nil, ErrUnauthenticated
	}
	return sess.Principal, nil
}

// IsPublic reports whether path is reachable without a session
func (g *SessionGuard) IsPublic(path string) bool {
	return slices.Contains(g.public, path)
}

// Middleware enforces the anti-forgery check on state-changing requests and
// redirects anonymous requests for protected paths to the login form.
func (g *SessionGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := g.sessions.Get(g.cookies.Read(r))

		if stateChanging(r.Method) && !validCSRF(sess, r) {
			g.forbid(w, r, sess)
			return
		}

		ctx := r.Context()
		if sess != nil {
			ctx = context.WithValue(ctx, sessionKey{}, sess)
		}
		if sess.Authenticated() {
			ctx = auth.WithPrincipal(ctx, sess.Principal)
		} else if !g.IsPublic(r.URL.Path) {
			g.metrics.GuardRejected(SurfaceWeb, "no_session")
			g.audit.Emit(ctx, audit.Event{
				Type:    audit.EventAccessDenied,
				Surface: SurfaceWeb,
				Detail:  "redirect to login",
				Data:    map[string]interface{}{"method": r.Method, "path": r.URL.Path},
			})
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *SessionGuard) forbid(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	event := audit.Event{
		Type:    audit.EventCSRFRejected,
		Surface: SurfaceWeb,
		Data:    map[string]interface{}{"method": r.Method, "path": r.URL.Path},
	}
	if sess.Authenticated() {
		event.Principal = sess.Principal.Name
	}
	g.metrics.GuardRejected(SurfaceWeb, "csrf")
	g.audit.Emit(r.Context(), event)
	http.Error(w, "Forbidden: invalid or missing anti-forgery token", http.StatusForbidden)
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func validCSRF(sess *session.Session, r *http.Request) bool {
	if sess == nil || sess.CSRFToken == "" {
		return false
	}
	token := r.Header.Get(CSRFHeader)
	if token == "" {
		token = r.PostFormValue(CSRFField)
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) == 1
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Please sign in</title></head>
<body>
{{if .Error}}<p class="error">Bad credentials</p>{{end}}
{{if .LoggedOut}}<p class="info">You have been signed out</p>{{end}}
<form method="post" action="{{.Action}}">
<label for="username">Username</label>
<input type="text" id="username" name="username" autofocus>
<label for="password">Password</label>
<input type="password" id="password" name="password">
<input type="hidden" name="{{.Field}}" value="{{.Token}}">
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// HandleLoginPage renders the login form. An anonymous session is created
// when needed so the form can carry an anti-forgery token.
func (g *SessionGuard) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.sessions.Get(g.cookies.Read(r))
	if !ok {
		sess = g.sessions.Create(nil)
		http.SetCookie(w, g.cookies.Cookie(sess.ID))
	}

	query := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := loginTemplate.Execute(w, map[string]interface{}{
		"Action":    LoginPath,
		"Field":     CSRFField,
		"Token":     sess.CSRFToken,
		"Error":     query.Has("error"),
		"LoggedOut": query.Has("logout"),
	})
	if err != nil {
		g.logger.ErrorContext(r.Context(), "failed to render login page", "error", err)
	}
}

// HandleLogin processes the submitted login form. The anti-forgery token has
// already been checked by Middleware.
func (g *SessionGuard) HandleLogin(w http.ResponseWriter, r *http.Request) {
	oldID := g.cookies.Read(r)
	username := r.PostFormValue("username")

	principal, err := g.users.Authenticate(r.Context(), username, r.PostFormValue("password"))
	if err != nil {
		g.metrics.Login(false)
		g.audit.Emit(r.Context(), audit.Event{
			Type:    audit.EventLoginFailure,
			Surface: SurfaceWeb,
			Detail:  loginFailureReason(err),
			Data:    map[string]interface{}{"username": username},
		})
		if !errors.Is(err, identity.ErrBadCredentials) && !errors.Is(err, identity.ErrUserDisabled) {
			g.logger.ErrorContext(r.Context(), "form login failed", "username", username, "error", err)
		}
		http.Redirect(w, r, LoginPath+"?error", http.StatusFound)
		return
	}

	sess := g.sessions.Rotate(oldID, principal)
	http.SetCookie(w, g.cookies.Cookie(sess.ID))

	g.metrics.Login(true)
	g.audit.Emit(r.Context(), audit.Event{
		Type:      audit.EventLoginSuccess,
		Surface:   SurfaceWeb,
		Principal: principal.Name,
	})
	g.logger.InfoContext(r.Context(), "form login", "username", principal.Name)
	http.Redirect(w, r, LandingPath, http.StatusFound)
}

// HandleLogout destroys the session and clears the cookie. POST requests are
// only reached with a valid anti-forgery token.
func (g *SessionGuard) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id := g.cookies.Read(r)
	if sess, ok := g.sessions.Get(id); ok && sess.Authenticated() {
		g.audit.Emit(r.Context(), audit.Event{
			Type:      audit.EventLogout,
			Surface:   SurfaceWeb,
			Principal: sess.Principal.Name,
		})
	}
	g.sessions.Destroy(id)
	http.SetCookie(w, g.cookies.Expired())
	http.Redirect(w, r, LandingPath, http.StatusFound)
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrUserDisabled):
		return "disabled"
	case errors.Is(err, identity.ErrBadCredentials):
		return strings.TrimPrefix(err.Error(), identity.ErrBadCredentials.Error()+": ")
	}
	return "error"
}
