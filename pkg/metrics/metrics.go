// Package metrics holds the prometheus instrumentation for the API and the
// settlement worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daget_build_info",
			Help: "Build information of the daget service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daget_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daget_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daget_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daget_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	SlotsReservedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daget_slots_reserved_total",
			Help: "Total number of successfully reserved claim slots",
		},
	)

	SettlementAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daget_settlement_attempts_total",
			Help: "Total number of settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "daget_settlement_duration_seconds",
			Help:    "Duration of a single claim settlement attempt in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	ReconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daget_reconcile_actions_total",
			Help: "Total number of reconciliation actions by kind",
		},
		[]string{"action"},
	)

	DriftAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daget_drift_alerts_total",
			Help: "Total number of confirmed claims whose ledger state drifted",
		},
	)

	ClaimsLeased = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daget_claims_leased",
			Help: "Number of claims currently leased by the settlement worker",
		},
	)
)

// Middleware instruments HTTP requests with request counts, durations, and
// in-flight gauge. Uses the chi route pattern, not the raw path, to keep
// label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unknown"
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
