package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snaplink_records_created_total",
		Help: "no. of view-limited records created",
	})
	ConsumeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_consume_total",
			Help: "no. of consume attempts by outcome",
		},
		[]string{"outcome"},
	)
	RecordsBurned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_records_burned_total",
			Help: "no. of records destroyed by reason",
		},
		[]string{"reason"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snaplink_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	CleanupCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snaplink_cleanup_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	CleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_cleanup_deleted_total",
			Help: "no. of rows removed by the cleanup worker",
		},
		[]string{"kind"},
	)
	CryptoOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_crypto_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation", "result"},
	)
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaplink_backend_errors_total",
			Help: "no. of storage backend failures",
		},
		[]string{"backend"},
	)
	ErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snaplink_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
	StorageDurable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snaplink_storage_durable",
		Help: "1 when records are stored durably, 0 for the in-memory fallback",
	})
)
