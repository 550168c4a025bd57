package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidflow_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidflow_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidflow_notifications_enqueued_total",
			Help: "Queue entries created by fan-out, by channel",
		},
		[]string{"channel"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidflow_notifications_dispatched_total",
			Help: "Dispatch outcomes by status and channel",
		},
		[]string{"status", "channel"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidflow_dispatch_latency_seconds",
			Help:    "Time from enqueue to delivery outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	queuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidflow_queue_pending",
			Help: "Entries currently waiting for dispatch",
		},
	)

	digestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidflow_digests_sent_total",
			Help: "Digest emails delivered",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidflow_idempotency_hits_total",
			Help: "Publish requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidflow_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a queue entry created by fan-out.
func RecordEnqueued(channel string) {
	notificationsEnqueued.WithLabelValues(channel).Inc()
}

// RecordDispatched records a dispatch outcome.
func RecordDispatched(status, channel string) {
	notificationsDispatched.WithLabelValues(status, channel).Inc()
}

// RecordDispatchLatency records the enqueue-to-outcome time for an entry.
func RecordDispatchLatency(channel string, latency time.Duration) {
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetQueuePending sets the pending-entry gauge.
func SetQueuePending(count int64) {
	queuePending.Set(float64(count))
}

// RecordDigestSent records one delivered digest email.
func RecordDigestSent() {
	digestsSent.Inc()
}

// RecordIdempotencyHit records a publish served from the idempotency cache.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
