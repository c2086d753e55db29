package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "points_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "points_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Completion metrics
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_completions_total",
			Help: "Completion events by outcome",
		},
		[]string{"outcome"}, // "win_recorded", "no_win", "duplicate", "error"
	)

	ResumedCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_completions_resumed_total",
			Help: "Stalled completion events finalized by the resume sweep, by outcome",
		},
		[]string{"outcome"},
	)

	CompletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "points_engine_completion_duration_seconds",
			Help:    "Time to drive one completion event to finalized",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// Jackpot metrics
	JackpotWinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_jackpot_wins_total",
			Help: "Jackpot wins by tier",
		},
		[]string{"tier"},
	)

	PoolPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "points_engine_pool_points",
			Help: "Last committed pool total by tier",
		},
		[]string{"tier"},
	)

	// Store metrics
	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_store_retries_total",
			Help: "Retries caused by transient store contention",
		},
		[]string{"operation"},
	)

	SideEffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_side_effect_failures_total",
			Help: "Failed post-commit side effects",
		},
		[]string{"sink"}, // "kafka", "fulfillment", "cache"
	)
)

// Middleware returns a gin middleware that records HTTP metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		c.Next()

		// Use the route pattern if available, otherwise use the path
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordCompletion records the outcome and latency of one completion call.
func RecordCompletion(outcome string, duration time.Duration) {
	CompletionsTotal.WithLabelValues(outcome).Inc()
	CompletionDuration.Observe(duration.Seconds())
}

// RecordResumed counts an event finalized by the resume sweep. No duration
// is observed; the event's age is not request latency.
func RecordResumed(outcome string) {
	ResumedCompletionsTotal.WithLabelValues(outcome).Inc()
}

// RetryCounter returns a retry hook that counts retries for operation.
func RetryCounter(operation string) func(int, error) {
	counter := StoreRetriesTotal.WithLabelValues(operation)
	return func(int, error) {
		counter.Inc()
	}
}
