package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dispatches_total",
			Help: "Dispatch calls by notification type and outcome",
		},
		[]string{"type", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_dispatch_duration_seconds",
			Help:    "Time spent in dispatch including fan-out",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"type"},
	)

	deliveriesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_created_total",
			Help: "Delivery rows written by notification type and state",
		},
		[]string{"type", "state"},
	)

	thresholdExclusions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_threshold_exclusions_total",
			Help: "Recipients dropped because their threshold was not crossed",
		},
		[]string{"type"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_realtime_connections",
			Help: "Currently registered realtime connections",
		},
	)

	realtimePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_realtime_pushes_total",
			Help: "Realtime push attempts by result",
		},
		[]string{"result"},
	)

	templateLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_template_lookups_total",
			Help: "Template resolutions by channel and result",
		},
		[]string{"channel", "result"},
	)

	emailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_emails_processed_total",
			Help: "Email deliveries processed by status",
		},
		[]string{"status"},
	)

	emailLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_email_latency_seconds",
			Help:    "Time from notification creation to email sent",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_sqs_messages_in_flight",
			Help: "Current event messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"role"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
			Help: "Active Redis connections",
		},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_consumed_total",
			Help: "Queued events handled by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records the outcome and duration of one dispatch call
func RecordDispatch(notifType, outcome string, duration time.Duration) {
	dispatchesTotal.WithLabelValues(notifType, outcome).Inc()
	dispatchDuration.WithLabelValues(notifType).Observe(duration.Seconds())
}

// RecordDeliveries records committed delivery rows
func RecordDeliveries(notifType string, active, suppressed int) {
	deliveriesCreated.WithLabelValues(notifType, "active").Add(float64(active))
	deliveriesCreated.WithLabelValues(notifType, "suppressed").Add(float64(suppressed))
}

// RecordThresholdExclusions records recipients removed by threshold gating
func RecordThresholdExclusions(notifType string, count int) {
	thresholdExclusions.WithLabelValues(notifType).Add(float64(count))
}

// SetRealtimeConnections sets the registered connection count
func SetRealtimeConnections(count int) {
	realtimeConnections.Set(float64(count))
}

// RecordRealtimePush records a push attempt: reached, offline or dropped
func RecordRealtimePush(result string) {
	realtimePushes.WithLabelValues(result).Inc()
}

// RecordTemplateLookup records a template resolution result
func RecordTemplateLookup(channel, result string) {
	templateLookups.WithLabelValues(channel, result).Inc()
}

// RecordEmailProcessed records email processing result
func RecordEmailProcessed(status string) {
	emailsProcessed.WithLabelValues(status).Inc()
}

// RecordEmailLatency records the time between notification creation and email send
func RecordEmailLatency(latency time.Duration) {
	emailLatency.Observe(latency.Seconds())
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(role string) {
	rateLimitRejections.WithLabelValues(role).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// SetCircuitBreakerState exports the state of a named breaker
func SetCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordEventConsumed records how a queued event was handled
func RecordEventConsumed(outcome string) {
	eventsConsumed.WithLabelValues(outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
