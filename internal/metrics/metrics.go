package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_authz_decisions_total",
			Help: "Guild access decisions by justification.",
		},
		[]string{"justification", "authorized"},
	)

	SettingsChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_settings_changes_total",
			Help: "Settings change events by kind (update, reset, billing).",
		},
		[]string{"kind"},
	)

	GrantMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_grant_mutations_total",
			Help: "Grant store mutations by operation.",
		},
		[]string{"operation"},
	)

	CodeRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_code_redemptions_total",
			Help: "Access code redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ConfirmationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_confirmations_total",
			Help: "Confirmation deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	ConfirmationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_confirmations_dropped_total",
			Help: "Confirmations not dispatched, by reason.",
		},
		[]string{"reason"},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_live_connections",
			Help: "Currently registered socket connections.",
		},
	)

	LiveMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_live_messages_dropped_total",
			Help: "Outbound socket messages dropped because a connection queue was full.",
		},
	)

	LiveTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_live_terminations_total",
			Help: "Connections closed by the hub, by reason.",
		},
		[]string{"reason"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Middleware records request latency by matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Bool renders a label value for boolean outcomes.
func Bool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
