// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts vault mutations by operation and outcome
	// ("accepted", or the rejection reason).
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_mutations_total",
		Help: "Total number of vault mutations by operation and result",
	}, []string{"op", "result"})

	// MutationLatency covers the full check-and-commit path including retries.
	MutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_mutation_latency_seconds",
		Help:    "Vault mutation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OracleFailures counts quote fetches that failed or returned stale prices.
	OracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_oracle_failures_total",
		Help: "Price fetches that failed or were rejected as stale",
	})

	// LedgerConflicts counts optimistic commits that lost a version race.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_ledger_conflicts_total",
		Help: "Ledger commits rejected by the version check",
	})

	// VaultsCreated counts explicit vault creations.
	VaultsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_created_total",
		Help: "Vaults created",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// chi's wrapper keeps http.Hijacker, which the WebSocket upgrade needs.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		// Owners are unbounded; label by route pattern instead of raw path.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
