// Package audit records security events (token issuance, logins, rejections)
// in a bounded in-memory history and streams them to websocket subscribers.
//
// Events never carry secrets: no passwords, client secrets or token values.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of events kept for late subscribers
const DefaultCapacity = 256

// EventType categorizes audit events
type EventType string

const (
	EventTokenIssued   EventType = "token.issued"
	EventTokenRejected EventType = "token.rejected"
	EventTokenRevoked  EventType = "token.revoked"
	EventCodeIssued    EventType = "code.issued"
	EventLoginSuccess  EventType = "login.success"
	EventLoginFailure  EventType = "login.failure"
	EventLogout        EventType = "logout"
	EventAccessDenied  EventType = "access.denied"
	EventCSRFRejected  EventType = "csrf.rejected"
)

// Event is a single audit record
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Surface   string                 `json:"surface,omitempty"`
	Principal string                 `json:"principal,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Hub keeps the recent history and the connected subscribers.
// A nil *Hub discards events.
type Hub struct {
	mu        sync.RWMutex
	events    []Event
	next      int
	full      bool
	clients   map[*subscriber]bool
	logger    *slog.Logger
	clock     func() time.Time
	requestID func(context.Context) string
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger mirrors every event to the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithRequestID extracts a request id from the context of Emit calls
func WithRequestID(fn func(context.Context) string) Option {
	return func(h *Hub) {
		h.requestID = fn
	}
}

// NewHub creates a hub keeping up to capacity events
func NewHub(capacity int, opts ...Option) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &Hub{
		events:  make([]Event, capacity),
		clients: make(map[*subscriber]bool),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Emit records an event and broadcasts it to subscribers
func (h *Hub) Emit(ctx context.Context, event Event) {
	if h == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock()
	}
	if event.RequestID == "" && h.requestID != nil {
		event.RequestID = h.requestID(ctx)
	}

	h.mu.Lock()
	h.events[h.next] = event
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
	h.broadcastLocked(event)
	h.mu.Unlock()

	level := slog.LevelInfo
	switch event.Type {
	case EventTokenRejected, EventLoginFailure, EventAccessDenied, EventCSRFRejected:
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "audit event",
		"type", string(event.Type),
		"surface", event.Surface,
		"principal", event.Principal,
		"client_id", event.ClientID,
		"detail", event.Detail,
	)
}

// Recent returns up to n events, oldest first. n <= 0 returns the whole history.
func (h *Hub) Recent(n int) []Event {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentLocked(n)
}

func (h *Hub) recentLocked(n int) []Event {
	var ordered []Event
	if h.full {
		ordered = append(ordered, h.events[h.next:]...)
	}
	ordered = append(ordered, h.events[:h.next]...)

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]Event, len(ordered))
	copy(out, ordered)
	return out
}

// Subscribers returns the number of connected websocket clients
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
