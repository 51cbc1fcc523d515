// Package metrics holds the Prometheus series exported at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_inbox_enqueue_total",
			Help: "Inbound deliveries offered to the queue, by result",
		},
		[]string{"result"},
	)

	InboxQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_inbox_queue_length",
			Help: "Entries waiting in the inbound queue",
		},
	)

	InboxQueueRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_inbox_queue_restarts_total",
			Help: "Overflow purges of the inbound queue",
		},
	)

	InboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_inbox_processed_total",
			Help: "Queue entries handled by the consumer, by result",
		},
		[]string{"result"},
	)

	OutboxSubmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_outbox_submissions_total",
			Help: "Outbound activities submitted for delivery",
		},
	)

	OutboxSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_outbox_superseded_total",
			Help: "Deliveries cancelled because a newer one arrived for the same actor",
		},
	)

	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_outbox_deliveries_total",
			Help: "Outbound POSTs to remote inboxes, by result",
		},
		[]string{"result"},
	)

	SignatureVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_signature_verifications_total",
			Help: "HTTP signature checks, by result",
		},
		[]string{"result"},
	)

	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_keycache_lookups_total",
			Help: "Actor key lookups, by result",
		},
		[]string{"result"},
	)

	WatchdogRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_watchdog_restarts_total",
			Help: "Worker restarts performed by the watchdog",
		},
		[]string{"worker"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "Front door request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one front door request.
func ObserveRequest(method, route, status string, started time.Time) {
	HttpRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(started).Seconds())
}
