package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Bastion.
type Metrics struct {
	// --- Command processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Settlement ---
	PremiumBalance   prometheus.Gauge
	PremiumCollected prometheus.Counter
	TotalShares      prometheus.Gauge
	PayoutsExecuted  *prometheus.CounterVec
	PayoutAmount     *prometheus.CounterVec
	PayoutDust       prometheus.Counter
	ClaimsPaid       prometheus.Counter
	ClaimAmount      prometheus.Counter
	GateFailures     *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge

	// --- Oracle & Keeper ---
	OracleReads       *prometheus.CounterVec
	VerdictsReceived  *prometheus.CounterVec
	KeeperScans       prometheus.Counter
	KeeperCandidates  *prometheus.CounterVec
	KeeperSubmissions *prometheus.CounterVec

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_core_commands_applied_total",
			Help: "Commands successfully applied",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, engine error kind)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_core_journals_generated_total",
			Help: "Vault journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_core_sequence",
			Help: "Current global sequence number",
		}),

		PremiumBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_premium_balance",
			Help: "Current insurance fund balance",
		}),

		PremiumCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_premium_collected_total",
			Help: "Premium collected since start",
		}),

		TotalShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_lp_total_shares",
			Help: "Total LP shares",
		}),

		PayoutsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_payouts_executed_total",
			Help: "Payout events recorded",
		}, []string{"asset"}),

		PayoutAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_payout_amount_total",
			Help: "Total amount drained into payouts",
		}, []string{"asset"}),

		PayoutDust: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_payout_rounding_dust_total",
			Help: "Unallocated rounding dust across payouts",
		}),

		ClaimsPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_claims_paid_total",
			Help: "Claims paid",
		}),

		ClaimAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_claim_amount_total",
			Help: "Amount transferred to claimants",
		}),

		GateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gate_failures_total",
			Help: "Payout gate failures by stage reached and reason",
		}, []string{"stage", "reason"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bastion_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bastion_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_replay_events_total",
			Help: "Envelopes replayed on startup",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_projection_last_sequence",
			Help: "Projection watermark",
		}),

		OracleReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_oracle_reads_total",
			Help: "Price feed reads by outcome",
		}, []string{"source", "outcome"}),

		VerdictsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_consensus_verdicts_received_total",
			Help: "Consensus verdicts received by outcome (stored/duplicate/older/invalid)",
		}, []string{"outcome"}),

		KeeperScans: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_keeper_scans_total",
			Help: "Keeper scan rounds",
		}),

		KeeperCandidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_keeper_candidates_total",
			Help: "Assets evaluated by the keeper by verdict",
		}, []string{"verdict"}),

		KeeperSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_keeper_submissions_total",
			Help: "ExecutePayout commands submitted",
		}, []string{"status"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_api_request_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
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
