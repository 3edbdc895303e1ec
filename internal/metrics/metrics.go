// Package metrics provides Prometheus instrumentation for the fee engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FormulaEvaluations counts net-capital evaluations by template and
	// whether the identity fallback fired.
	FormulaEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_formula_evaluations_total",
		Help: "Total net capital formula evaluations",
	}, []string{"template", "degraded"})

	// ValidationsTotal counts transaction validations by status.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_validations_total",
		Help: "Transaction validations by PASS/WARN/FAIL status",
	}, []string{"status"})

	// ValidationLatency tracks how long a whole-deal validation takes.
	ValidationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equitie_validation_latency_seconds",
		Help:    "Deal validation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// RecalculationWrites counts net capital overwrites by outcome.
	RecalculationWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_recalculation_writes_total",
		Help: "initial_net_capital overwrites by outcome",
	}, []string{"outcome"})

	// AnomaliesTotal counts detected fee anomalies by type and severity.
	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_anomalies_total",
		Help: "Fee application anomalies detected",
	}, []string{"type", "severity"})

	// AuditLogFailures counts calculation log writes that failed and were
	// dropped.
	AuditLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equitie_audit_log_failures_total",
		Help: "Calculation log writes that failed",
	})

	// ExitScenarios counts modelled exit scenarios by cache outcome.
	ExitScenarios = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_exit_scenarios_total",
		Help: "Exit scenarios modelled",
	}, []string{"cache"})

	// HealthScore is the latest fee health score per deal.
	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "equitie_fee_health_score",
		Help: "Latest fee health score (0-100) per deal",
	}, []string{"deal_id"})

	// SweepRuns counts scheduled validation sweeps by result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_sweep_runs_total",
		Help: "Scheduled validation sweeps",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equitie_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equitie_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equitie_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
