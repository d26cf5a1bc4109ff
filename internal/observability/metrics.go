package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SpinLedger.
type Metrics struct {
	// --- Engine ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	ReservedBalance    prometheus.Gauge
	QueueCount         prometheus.Gauge

	// --- Queue lifecycle ---
	SpinsAdmitted    prometheus.Counter
	SpinsEvicted     prometheus.Counter
	SpinsRetried     prometheus.Counter
	ForceReleases    prometheus.Counter
	DriftCorrections prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize          *prometheus.GaugeVec
	ChannelCapacity      *prometheus.GaugeVec
	ChannelUtilization   *prometheus.GaugeVec
	NotificationsDropped prometheus.Counter
	PublishDrops         prometheus.Counter
	PersistBackpressure  prometheus.Counter

	// --- Ingestion ---
	IngestToApply  *prometheus.HistogramVec
	IngestRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistStatesWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistDropped       prometheus.Counter

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionDrops     *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_core_events_applied_total",
			Help: "Events successfully applied by the queue engine",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_core_events_rejected_total",
			Help: "Events rejected (dispatch, parse, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spin_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in the engine",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		ReservedBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "spin_reserved_balance_total",
			Help: "Sum of reserved balances across all wallet queues",
		}),

		QueueCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "spin_queue_count",
			Help: "Number of wallet queues held in memory",
		}),

		SpinsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_admitted_total",
			Help: "Spins admitted",
		}),

		SpinsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_evicted_total",
			Help: "Spins evicted at capacity",
		}),

		SpinsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_retried_total",
			Help: "Spins re-queued via retry",
		}),

		ForceReleases: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_force_releases_total",
			Help: "Reservations force-released by reconciliation",
		}),

		DriftCorrections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_drift_corrections_total",
			Help: "Reservation ledger corrections applied by validation",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_notifications_dropped_total",
			Help: "Change notifications dropped on full channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_publish_drops_total",
			Help: "Outbound events dropped on full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spin_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_ingest_rejected_total",
			Help: "Inbound messages dropped as malformed",
		}, []string{"subject"}),

		PersistStatesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_persist_states_written_total",
			Help: "Queue states written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spin_persist_batch_duration_seconds",
			Help:    "Postgres write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spin_persist_dropped_total",
			Help: "State writes abandoned after exhausting attempts",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spin_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spin_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spin_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
