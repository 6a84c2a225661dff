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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquaguide_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquaguide_scheduler_ticks_total",
			Help: "Scheduler polling ticks executed",
		},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aquaguide_scheduler_tick_duration_seconds",
			Help:    "Wall time spent in one scheduler tick",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		},
	)

	reminderDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_reminder_deliveries_total",
			Help: "Reminder delivery attempts by outcome (delivered, degraded, failed, timeout, skipped)",
		},
		[]string{"outcome", "kind"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquaguide_notification_delivery_seconds",
			Help:    "Time spent handing a notification to the host platform",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	remindersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_reminders_completed_total",
			Help: "Reminders marked completed early by the user",
		},
		[]string{"kind"},
	)

	storePersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_store_persist_failures_total",
			Help: "Reminder store load/save failures by operation",
		},
		[]string{"op"},
	)

	remindersStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquaguide_reminders_stored",
			Help: "Reminders currently held by the store",
		},
	)

	permissionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_permission_requests_total",
			Help: "Notification permission requests by resulting state",
		},
		[]string{"result"},
	)

	pushClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquaguide_push_clients_connected",
			Help: "Browser tabs connected to the push hub",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquaguide_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquaguide_circuit_breaker_state",
			Help: "Circuit breaker state per platform (0 closed, 1 open, 2 half-open)",
		},
		[]string{"platform"},
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

// RecordTick records one scheduler tick and its duration
func RecordTick(duration time.Duration) {
	schedulerTicks.Inc()
	schedulerTickDuration.Observe(duration.Seconds())
}

// RecordDelivery records the outcome of one reminder delivery attempt
func RecordDelivery(outcome, kind string, latency time.Duration) {
	reminderDeliveries.WithLabelValues(outcome, kind).Inc()
	if latency > 0 {
		deliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

// RecordCompleted records a user-initiated early completion
func RecordCompleted(kind string) {
	remindersCompleted.WithLabelValues(kind).Inc()
}

// RecordPersistFailure records a store load or save failure
func RecordPersistFailure(op string) {
	storePersistFailures.WithLabelValues(op).Inc()
}

// SetRemindersStored sets the number of reminders in the store
func SetRemindersStored(count int) {
	remindersStored.Set(float64(count))
}

// RecordPermissionRequest records the result of a permission request
func RecordPermissionRequest(result string) {
	permissionRequests.WithLabelValues(result).Inc()
}

// SetPushClients sets the connected push client count
func SetPushClients(count int) {
	pushClientsConnected.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetBreakerState records the state of a platform's circuit breaker
func SetBreakerState(platform string, state int) {
	breakerState.WithLabelValues(platform).Set(float64(state))
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

// Hijack lets websocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// routePattern labels requests by chi route so reminder ids do not explode
// the label set. Unrouted requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}
