package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the synthetic asset pool.
type Metrics struct {
	// --- Engine processing ---
	EngineCommandsApplied  *prometheus.CounterVec
	EngineCommandsRejected *prometheus.CounterVec
	EngineCommandDuration  *prometheus.HistogramVec
	EngineSequence         prometheus.Gauge

	// --- Pool state ---
	PoolGlobalDebt      prometheus.Gauge
	PoolTotalDebtShares prometheus.Gauge
	PoolUsers           prometheus.Gauge
	PoolListedAssets    prometheus.Gauge
	TokenSupply         *prometheus.GaugeVec

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	CommandSequenceGap    *prometheus.CounterVec
	CommandOutOfOrder     *prometheus.CounterVec
	PriceSequenceGap      *prometheus.CounterVec
	StalePriceDropped     *prometheus.CounterVec

	// --- Persistence ---
	PersistOpsWritten    prometheus.Counter
	PersistDeltasWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayOpsTotal    prometheus.Counter
	ReplayDuration    prometheus.Gauge

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
		// Engine processing
		EngineCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_commands_applied_total",
			Help: "Commands successfully applied by the debt engine",
		}, []string{"command_type"}),

		EngineCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, taxonomy failure)",
		}, []string{"command_type", "reason"}),

		EngineCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_engine_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the engine",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_engine_sequence",
			Help: "Current global operation sequence number",
		}),

		// Pool state
		PoolGlobalDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_pool_global_debt",
			Help: "Global debt (fixed-point USD) after the last applied command",
		}),

		PoolTotalDebtShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_pool_total_debt_shares",
			Help: "Global debt share supply (fixed-point)",
		}),

		PoolUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_pool_users",
			Help: "User records in the ledger",
		}),

		PoolListedAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_pool_listed_assets",
			Help: "Registered synthetic assets",
		}),

		TokenSupply: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_token_supply",
			Help: "Circulating supply per synthetic token (fixed-point)",
		}, []string{"symbol"}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		CommandSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		CommandOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PriceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_price_sequence_gap_total",
			Help: "Price feed sequence gaps (tolerated)",
		}, []string{"asset_id"}),

		StalePriceDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_stale_price_dropped_total",
			Help: "Stale price updates silently dropped",
		}, []string{"asset_id"}),

		// Persistence
		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_operations_written_total",
			Help: "Operations written to Postgres",
		}),

		PersistDeltasWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_deltas_written_total",
			Help: "Balance deltas written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_size",
			Help:    "Operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_replay_operations_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_query_errors_total",
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
