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
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
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

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_created_total",
			Help: "Total notifications created by type and priority",
		},
		[]string{"type", "priority"},
	)

	deliveriesFannedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_fanned_out_total",
			Help: "Delivery records created at fan-out by notification type",
		},
		[]string{"type"},
	)

	audienceSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_audience_size",
			Help:    "Resolved audience size distribution",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	domainEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_domain_events_processed_total",
			Help: "Domain events handled by the bridge, by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	examRemindersEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_exam_reminders_emitted_total",
			Help: "Exam reminder notifications created by offset in days",
		},
		[]string{"offset_days"},
	)

	schedulerRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_scheduler_runs_total",
			Help: "Exam reminder sweep invocations",
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
		[]string{"caller"},
	)

	unreadCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_unread_cache_total",
			Help: "Unread-count cache lookups by result",
		},
		[]string{"result"},
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

// RecordNotificationCreated records a new notification record
func RecordNotificationCreated(notifType, priority string) {
	notificationsCreated.WithLabelValues(notifType, priority).Inc()
}

// RecordFanOut records delivery rows created for a notification
func RecordFanOut(notifType string, created int) {
	deliveriesFannedOut.WithLabelValues(notifType).Add(float64(created))
}

// RecordAudienceSize records the size of a resolved audience
func RecordAudienceSize(size int) {
	audienceSize.Observe(float64(size))
}

// RecordDomainEvent records a bridge outcome for a domain event
func RecordDomainEvent(eventType, outcome string) {
	domainEventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordExamReminder records an emitted exam reminder
func RecordExamReminder(offsetDays int) {
	examRemindersEmitted.WithLabelValues(strconv.Itoa(offsetDays)).Inc()
}

// RecordSchedulerRun records one reminder sweep invocation
func RecordSchedulerRun() {
	schedulerRuns.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(caller string) {
	rateLimitRejections.WithLabelValues(caller).Inc()
}

// RecordUnreadCache records an unread-count cache lookup result ("hit"/"miss")
func RecordUnreadCache(result string) {
	unreadCacheHits.WithLabelValues(result).Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
