// Package metrics exposes Prometheus instrumentation for the HTTP
// surface and the settlement ledger.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	OrderTransitions  *prometheus.CounterVec
	SweepsTotal       prometheus.Counter
	PayoutsTotal      *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	PendingPayouts    prometheus.Gauge
	WalletAuthFailure *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_http_requests_total",
			Help: "HTTP requests by path, method and status code.",
		}, []string{"path", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_order_transitions_total",
			Help: "Order status transitions by target status.",
		}, []string{"to"}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atelier_fee_sweeps_total",
			Help: "Confirmed fee vault sweeps.",
		}),
		PayoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_fee_payouts_total",
			Help: "Payout attempts by outcome.",
		}, []string{"outcome"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter, by limiter name.",
		}, []string{"limiter"}),
		PendingPayouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atelier_pending_payouts",
			Help: "Payout rows currently stuck pending.",
		}),
		WalletAuthFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_wallet_auth_failures_total",
			Help: "Wallet proof rejections by error code.",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.OrderTransitions,
		m.SweepsTotal,
		m.PayoutsTotal,
		m.RateLimitDenials,
		m.PendingPayouts,
		m.WalletAuthFailure,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request counting and latency tracking.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		m.requestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// canonicalPath collapses resource IDs so label cardinality stays bounded.
func canonicalPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := range parts {
		if i%2 == 1 && (parts[i-1] == "orders" || parts[i-1] == "agents" || parts[i-1] == "payouts") {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
