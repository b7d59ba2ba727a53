package core

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.clock = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per address")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "window slides")
}

func TestRateLimiter_Disabled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Minute)
	rl.clock = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(30 * time.Second)
	rl.Allow("10.0.0.2")
	now = now.Add(45 * time.Second)

	rl.Sweep()
	assert.NotContains(t, rl.requests, "10.0.0.1")
	assert.Contains(t, rl.requests, "10.0.0.2")
}

func TestRateLimiter_Limit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 30*time.Second)
	h := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/oauth/token", nil)
	req.RemoteAddr = "192.0.2.7:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// another source port of the same host shares the budget
	req.RemoteAddr = "192.0.2.7:51001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "panic recovered")
	assert.Contains(t, buf.String(), "boom")
}

func TestRecovery_AbortHandler(t *testing.T) {
	t.Parallel()

	h := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestRequestLogger_OmitsQuery(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := middleware.RequestID(RequestLogger(logger, "api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/me?access_token=abc123", nil))

	out := buf.String()
	assert.Contains(t, out, `"path":"/api/me"`)
	assert.Contains(t, out, `"status":202`)
	assert.Contains(t, out, `"surface":"api"`)
	assert.Contains(t, out, `"request_id":`)
	assert.NotContains(t, out, "abc123")
}

func TestRateLimiter_IgnoresForwardingHeaders(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	h := CapturePeer(middleware.RealIP(rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))))

	tests := []struct {
		realIP string
		want   int
	}{
		{"203.0.113.1", http.StatusNoContent},
		{"203.0.113.2", http.StatusNoContent},
		{"203.0.113.3", http.StatusTooManyRequests},
		{"203.0.113.4", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/oauth/token", nil)
		req.RemoteAddr = "192.0.2.7:51000"
		req.Header.Set("X-Real-IP", tt.realIP)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.realIP)
	}
}

func TestClientAddr(t *testing.T) {
	t.Parallel()

	var got string
	h := CapturePeer(middleware.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = clientAddr(r)
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "192.0.2.9", got)

	// without CapturePeer the request address is used as is
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	assert.Equal(t, "192.0.2.10", clientAddr(req))
}
