package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsOpened *prometheus.CounterVec

	// Delivery metrics
	EventsDelivered *prometheus.CounterVec

	// Sync metrics
	FragmentsRecorded prometheus.Counter
	FragmentLatency   prometheus.Histogram
	PollRequests      prometheus.Counter
	SyncErrors        *prometheus.CounterVec

	// Pairing metrics
	TokensIssued    prometheus.Counter
	TokenRejections prometheus.Counter
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	return &Metrics{
		// Active device connections (gauge - can go up and down)
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scribesync_connections_active",
			Help: "Number of active device connections",
		}),

		// Connections opened by transport class
		ConnectionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribesync_connections_opened_total",
			Help: "Total connections opened by transport",
		}, []string{"transport"}), // "push" or "poll"

		// Events fanned out to devices, by event type
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribesync_events_delivered_total",
			Help: "Total sync events delivered to devices by type",
		}, []string{"type"}),

		// Fragments recorded counter
		FragmentsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribesync_fragments_recorded_total",
			Help: "Total session fragments recorded",
		}),

		// Fragment ingest latency histogram
		FragmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribesync_fragment_ingest_duration_seconds",
			Help:    "Fragment ingest latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),

		// Poll catch-up requests
		PollRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribesync_poll_requests_total",
			Help: "Total poll catch-up requests served",
		}),

		// Sync errors by type
		SyncErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribesync_sync_errors_total",
			Help: "Total synchronization errors by type",
		}, []string{"error_type"}),

		// Pairing lifecycle counters
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribesync_pairing_tokens_issued_total",
			Help: "Total pairing tokens issued",
		}),
		TokenRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribesync_pairing_token_rejections_total",
			Help: "Total pairing token validation rejections",
		}),
	}
}
