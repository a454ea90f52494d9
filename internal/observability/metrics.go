package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VaultLedger.
// All fields are non-nil once built by NewMetrics; callers that may run
// without metrics hold a nil *Metrics and check it.
type Metrics struct {
	// --- Replay ---
	OpsApplied      *prometheus.CounterVec
	OpsRejected     *prometheus.CounterVec
	OpApplyDuration *prometheus.HistogramVec
	EntriesWritten  *prometheus.CounterVec
	LastBlock       *prometheus.GaugeVec
	ReplayDuration  *prometheus.HistogramVec
	ReportsInjected *prometheus.CounterVec

	// --- Data quality ---
	MissingPrices         *prometheus.CounterVec
	SnapshotErrors        *prometheus.CounterVec
	ZeroShareWithdrawals  *prometheus.CounterVec
	UnbackedTransfers     *prometheus.CounterVec
	AllocationRemainder   *prometheus.GaugeVec
	AllocationMaterial    *prometheus.CounterVec
	ConservationDeviation *prometheus.GaugeVec
	ConservationBreaches  *prometheus.CounterVec

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	OutOfOrder            *prometheus.CounterVec

	// --- Persistence ---
	PersistErrors *prometheus.CounterVec
	PersistRetry  prometheus.Counter
	CommitDur     prometheus.Histogram

	// --- Messaging ---
	PublishErrors prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	applyBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		// Replay
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_operations_applied_total",
			Help: "Operations applied by the classifier",
		}, []string{"topic"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_operations_rejected_total",
			Help: "Operations skipped (duplicate, out_of_order, unsupported, parse, failed)",
		}, []string{"topic", "reason"}),

		OpApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ledger_operation_apply_duration_seconds",
			Help:    "Time to classify and commit one operation",
			Buckets: applyBuckets,
		}, []string{"topic"}),

		EntriesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_entries_written_total",
			Help: "Ledger entries committed",
		}, []string{"vault"}),

		LastBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_ledger_last_block_processed",
			Help: "Last block processed per vault",
		}, []string{"vault"}),

		ReplayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ledger_replay_duration_seconds",
			Help:    "Duration of one vault replay",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"vault"}),

		ReportsInjected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_reports_injected_total",
			Help: "Synthetic report operations injected for snapshot-only blocks",
		}, []string{"vault"}),

		// Data quality
		MissingPrices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_missing_prices_total",
			Help: "Price lookups that returned no price (zero substituted)",
		}, []string{"network"}),

		SnapshotErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_snapshot_errors_total",
			Help: "Snapshots missing, malformed or of unsupported dex",
		}, []string{"reason"}),

		ZeroShareWithdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_zero_share_withdrawals_total",
			Help: "Withdrawals from accounts holding no shares",
		}, []string{"vault"}),

		UnbackedTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_unbacked_transfers_total",
			Help: "Transfers moving more shares than the source holds in the ledger",
		}, []string{"vault"}),

		AllocationRemainder: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_ledger_allocation_remainder_ratio",
			Help: "Unallocated fraction of the last fee collection (1 - applied)",
		}, []string{"vault"}),

		AllocationMaterial: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_allocation_material_remainder_total",
			Help: "Fee collections whose remainder exceeded 0.01%",
		}, []string{"vault"}),

		ConservationDeviation: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_ledger_conservation_deviation_ratio",
			Help: "Relative deviation of ledger shares from totalSupply",
		}, []string{"vault"}),

		ConservationBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_conservation_breaches_total",
			Help: "Blocks whose ledger shares deviate from totalSupply beyond 0.1%",
		}, []string{"vault"}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_ledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_ledger_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_ledger_dedup_tier2_errors_total",
			Help: "Store dedup lookups that failed",
		}),

		OutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_out_of_order_total",
			Help: "Operations rejected for a block below the last processed block",
		}, []string{"vault"}),

		// Persistence
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_ledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		CommitDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_ledger_commit_duration_seconds",
			Help:    "Postgres commit duration for one operation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Messaging
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_ledger_publish_errors_total",
			Help: "Ledger entries that could not be published",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
