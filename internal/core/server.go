package core

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ParleSec/dualauth/internal/auth"
	"github.com/ParleSec/dualauth/internal/authserver"
	"github.com/ParleSec/dualauth/internal/guard"
	"github.com/ParleSec/dualauth/pkg/models"
)

// APIPrefix selects the bearer-token surface; every other path is served by
// the session surface.
const APIPrefix = "/api"

// Dispatcher sends each request to exactly one surface. Requests under
// Prefix go to API, all others to Web. The prefix rule is evaluated first.
type Dispatcher struct {
	Prefix string
	API    http.Handler
	Web    http.Handler
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsAPIPath(r.URL.Path, d.Prefix) {
		d.API.ServeHTTP(w, r)
		return
	}
	d.Web.ServeHTTP(w, r)
}

// IsAPIPath reports whether path is prefix itself or lies below it
func IsAPIPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Server is the main HTTP server
type Server struct {
	components *Components
	limiter    *RateLimiter
	api        chi.Router
	web        chi.Router
	dispatcher *Dispatcher
}

// NewServer creates a new server instance
func NewServer(c *Components) *Server {
	s := &Server{
		components: c,
		limiter:    NewRateLimiter(c.Config.RateLimit.Requests, c.Config.RateLimit.Window),
	}
	s.setupAPIRouter()
	s.setupWebRouter()
	s.dispatcher = &Dispatcher{Prefix: APIPrefix, API: s.api, Web: s.web}
	return s
}

// Handler returns the request dispatcher
func (s *Server) Handler() http.Handler {
	return s.dispatcher
}

// RunMaintenance periodically drops expired sessions, token records and
// idle rate limiter entries until ctx is done
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.components.sweep(ctx)
			s.limiter.Sweep()
		}
	}
}

func (s *Server) setupAPIRouter() {
	c := s.components
	r := chi.NewRouter()

	r.Use(Recovery(c.Logger))
	// the rate limiter keys on the TCP peer, not on forwarding headers
	r.Use(CapturePeer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(c.Logger, guard.SurfaceAPI))
	r.Use(RequestMetrics(c.Metrics, guard.SurfaceAPI))
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: c.Config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"WWW-Authenticate", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Unmatched API paths are still bearer protected so that probing
	// without a token always yields 401
	r.NotFound(s.apiFallback(http.StatusNotFound))
	r.MethodNotAllowed(s.apiFallback(http.StatusMethodNotAllowed))

	r.Route(APIPrefix, func(r chi.Router) {
		// client authenticated, no bearer token
		c.AuthServer.Routes(r, s.limiter.Limit)

		r.Group(func(r chi.Router) {
			r.Use(c.Bearer.Middleware)
			r.Get("/me", s.handleAPIMe)

			r.Group(func(r chi.Router) {
				r.Use(c.Bearer.Require(c.Config.Audit.RequiredAuthority, c.Config.Audit.RequiredScope))
				r.Get("/events", c.Audit.HandleWebSocket)
				r.Get("/events/recent", s.handleRecentEvents)
			})
		})
	})

	s.api = r
}

func (s *Server) apiFallback(status int) http.HandlerFunc {
	respond := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, status, http.StatusText(status))
	}
	guarded := s.components.Bearer.Middleware(http.HandlerFunc(respond))
	public := s.components.AuthServer.PublicPaths()

	return func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(public, strings.TrimPrefix(r.URL.Path, APIPrefix)) {
			respond(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	}
}

func (s *Server) setupWebRouter() {
	c := s.components
	r := chi.NewRouter()

	r.Use(Recovery(c.Logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(c.Logger, guard.SurfaceWeb))
	r.Use(RequestMetrics(c.Metrics, guard.SurfaceWeb))
	r.Use(SecurityHeaders)
	r.Use(c.Web.Middleware)

	r.Get("/", s.handleIndex)
	r.Get("/me", s.handleWebMe)
	r.Get(guard.LoginPath, c.Web.HandleLoginPage)
	r.Post(guard.LoginPath, c.Web.HandleLogin)
	r.Get(guard.LogoutPath, c.Web.HandleLogout)
	r.Post(guard.LogoutPath, c.Web.HandleLogout)
	if c.AuthServer.Codes() != nil {
		r.Get(authserver.AuthorizePath, c.AuthServer.HandleAuthorize)
	}
	r.Get("/{user}/{messageId}", s.handleMessage)

	s.web = r
}

func (s *Server) handleAPIMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no principal")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, p.Name)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.components.Audit.Recent(limit),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, http.StatusOK, "<h1>Welcome!</h1><a href='/me'>Profile</a>")
}

func (s *Server) handleWebMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeHTML(w, http.StatusOK, fmt.Sprintf("<h1>Messages by %s</h1><a href='/logout'>Logout</a>",
		template.HTMLEscapeString(p.Name)))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	messageID, err := strconv.Atoi(chi.URLParam(r, "messageId"))
	if err != nil {
		http.Error(w, "messageId must be an integer", http.StatusBadRequest)
		return
	}
	writeHTML(w, http.StatusOK, fmt.Sprintf("<h1>Message %d from %s</h1><a href='/logout'>Logout</a>",
		messageID, template.HTMLEscapeString(user)))
}

// OpsHandler serves health and metrics on the operations listener
func (s *Server) OpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.components.Logger))
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.components.Metrics.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := models.HealthResponse{
		Status: "healthy",
		Checks: map[string]string{"token_store": "ok"},
	}
	status := http.StatusOK
	if err := s.components.Ready(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Checks["token_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
