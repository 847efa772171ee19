// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request handling duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookDuration tracks webhook handling duration.
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_duration_seconds",
			Help:    "Webhook handling duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel", "event", "status"},
	)

	// WebhooksTotal tracks total webhook deliveries.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_total",
			Help: "Total webhook deliveries",
		},
		[]string{"channel", "event", "status"},
	)

	// RouterCacheLookups tracks account router cache lookups by outcome.
	RouterCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_cache_lookups_total",
			Help: "Account router cache lookups",
		},
		[]string{"outcome"},
	)

	// RouterRebuilds tracks full routing table rebuilds.
	RouterRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_rebuilds_total",
			Help: "Full routing table rebuilds",
		},
	)

	// MessagesIngested tracks messages stored by tenant and direction.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_ingested_total",
			Help: "Messages stored",
		},
		[]string{"tenant_id", "direction"},
	)

	// MessagesMerged tracks dedup merges by the key that matched.
	MessagesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_merged_total",
			Help: "Messages merged with an existing record",
		},
		[]string{"matched_by"},
	)

	// StorageGateRejections tracks inbound conversations dropped by the
	// contact-match gate.
	StorageGateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_gate_rejections_total",
			Help: "Inbound conversations rejected by the storage gate",
		},
		[]string{"tenant_id"},
	)

	// ParticipantResolutions tracks contact resolution attempts by method.
	ParticipantResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "participant_resolutions_total",
			Help: "Participant-to-contact resolution attempts",
		},
		[]string{"method", "matched"},
	)

	// SyncJobsTotal tracks background sync runs by terminal state.
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_total",
			Help: "Background sync runs",
		},
		[]string{"status"},
	)

	// SyncMessagesProcessed tracks messages funneled through the pipeline by
	// historical sync.
	SyncMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_messages_processed_total",
			Help: "Messages processed by background sync",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for one HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordWebhook records metrics for one webhook delivery.
func RecordWebhook(channel, event, status string, duration float64) {
	WebhookDuration.WithLabelValues(channel, event, status).Observe(duration)
	WebhooksTotal.WithLabelValues(channel, event, status).Inc()
}

// RecordRouterLookup records a router cache lookup outcome
// ("hit", "miss", "stale", "not_found").
func RecordRouterLookup(outcome string) {
	RouterCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordResolution records a participant resolution attempt.
func RecordResolution(method string, matched bool) {
	m := "false"
	if matched {
		m = "true"
	}
	ParticipantResolutions.WithLabelValues(method, m).Inc()
}
