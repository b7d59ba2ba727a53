// Package metrics exposes Prometheus counters for the token endpoint and guards.
//
// All recording methods are safe on a nil *Metrics so components can run
// without an operations listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dualauth"

// Metrics holds the collectors on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued    *prometheus.CounterVec
	tokenErrors     *prometheus.CounterVec
	tokensRevoked   prometheus.Counter
	guardRejections *prometheus.CounterVec
	logins          *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant type.",
		}, []string{"grant_type"}),
		tokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Token endpoint failures, by OAuth2 error code.",
		}, []string{"error"}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Revocation requests accepted.",
		}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Requests rejected by a guard, by surface and reason.",
		}, []string{"surface", "reason"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "form_logins_total",
			Help:      "Form login attempts, by result.",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by surface and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"surface", "code"}),
	}

	m.registry.MustRegister(
		m.tokensIssued,
		m.tokenErrors,
		m.tokensRevoked,
		m.guardRejections,
		m.logins,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) TokenError(code string) {
	if m == nil {
		return
	}
	m.tokenErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) TokenRevoked() {
	if m == nil {
		return
	}
	m.tokensRevoked.Inc()
}

func (m *Metrics) GuardRejected(surface, reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(surface, reason).Inc()
}

func (m *Metrics) Login(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(surface string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(surface, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
