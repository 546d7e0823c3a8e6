package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message lifecycle counters. Labels stay low-cardinality: content kind
// and delivery path only, never user or conversation IDs.
var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_sent_total",
		Help:      "Messages accepted on the send path.",
	}, []string{"kind"})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_delivered_total",
		Help:      "Messages transitioned to DELIVERED, by delivery path.",
	}, []string{"path"})

	MessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_read_total",
		Help:      "Messages transitioned to READ.",
	})

	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_deleted_total",
		Help:      "Messages soft-deleted by their sender.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "events_published_total",
		Help:      "Lifecycle events journaled to the bus.",
	}, []string{"type"})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "push_failures_total",
		Help:      "Live pushes that failed and fell back to the inbox.",
	})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "notifications_total",
		Help:      "Offline notifications dispatched.",
	})

	InboxDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "inbox_drained_total",
		Help:      "Queued messages flushed to reconnecting users.",
	})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Name:      "live_sessions",
		Help:      "Currently attached device sessions.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency under a fixed route label. Wrap
// each route separately so path parameters never become label values.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		requestDuration.WithLabelValues(route, req.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
