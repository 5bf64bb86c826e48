package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest attempts by final state (COMMITTED, ROLLED_BACK) or stage of failure.
	IngestAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_ingest_attempts_total",
			Help: "Total number of ingest attempts by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_ledger_ingest_duration_seconds",
			Help:    "Duration of a full ingest attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PayloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_payload_bytes_total",
			Help: "Total bytes of raw payload stored",
		},
	)

	// Normalized inserts skipped because the fingerprint already existed.
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_duplicates_total",
			Help: "Total number of duplicate normalized events",
		},
	)

	FaultInjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_fault_injections_total",
			Help: "Total number of fault injection requests",
		},
		[]string{"applied"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_storage_errors_total",
			Help: "Total number of storage errors by operation",
		},
		[]string{"operation"},
	)

	ReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_reconciled_total",
			Help: "Total number of stale submissions marked FAILED",
		},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_publish_errors_total",
			Help: "Total number of outcome notifications that failed to publish",
		},
		[]string{"subject"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_rate_limit_hits_total",
			Help: "Total number of rate limited ingest requests",
		},
	)

	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_ledger_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
