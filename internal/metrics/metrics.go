package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_http_requests_total",
			Help: "HTTP requests processed, by method, path and status code.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paygate_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_gate_decisions_total",
			Help: "Gate decisions, by tool and outcome (allowed or deny reason).",
		},
		[]string{"tool", "outcome"},
	)
	creditsChargedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_credits_charged_total",
			Help: "Credits charged, by tool.",
		},
		[]string{"tool"},
	)
	creditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_credits_refunded_total",
			Help: "Credits refunded after backend failures.",
		},
	)
	backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_backend_calls_total",
			Help: "Backend calls, by backend prefix and status.",
		},
		[]string{"backend", "status"},
	)
	backendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paygate_backend_call_duration_seconds",
			Help:    "Backend call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by result (delivered, retried, dead_letter, dropped).",
		},
		[]string{"result"},
	)
	internalErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_internal_errors_total",
			Help: "Unexpected errors caught at the handler boundary.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paygate_active_sessions",
			Help: "Live MCP sessions.",
		},
	)
)

// Init registers all collectors with the default registry. Safe to call once.
func Init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		gateDecisionsTotal,
		creditsChargedTotal,
		creditsRefundedTotal,
		backendCallsTotal,
		backendCallDuration,
		webhookDeliveriesTotal,
		internalErrorsTotal,
		activeSessions,
	)
}

// Handler returns the Prometheus text exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGateDecision records a gate outcome: "allowed" or the deny reason.
func RecordGateDecision(tool, outcome string) {
	gateDecisionsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordCreditsCharged adds charged credits for a tool.
func RecordCreditsCharged(tool string, credits int64) {
	creditsChargedTotal.WithLabelValues(tool).Add(float64(credits))
}

// RecordRefund adds refunded credits.
func RecordRefund(credits int64) {
	creditsRefundedTotal.Add(float64(credits))
}

// RecordBackendCall records a backend call outcome.
func RecordBackendCall(backend, status string, duration time.Duration) {
	backendCallsTotal.WithLabelValues(backend, status).Inc()
	backendCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordWebhookDelivery records a webhook delivery result.
func RecordWebhookDelivery(result string) {
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// IncInternalErrors bumps the internal error counter.
func IncInternalErrors() {
	internalErrorsTotal.Inc()
}

// SessionOpened / SessionClosed track the live session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the live session gauge.
func SessionClosed() { activeSessions.Dec() }
