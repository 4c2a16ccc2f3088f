package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the table engine. Each engine
// instance owns its own registry so that multiple engines (tests, embedded
// use) never fight over metric registration.
type Metrics struct {
	Registry *prometheus.Registry

	// Table write/read path
	WritesTotal   *prometheus.CounterVec
	DeletesTotal  *prometheus.CounterVec
	ReadsTotal    *prometheus.CounterVec
	WriteDuration prometheus.Histogram

	// Changelog
	AppendsTotal        prometheus.Counter
	AppendFailuresTotal prometheus.Counter
	AppendDuration      prometheus.Histogram

	// Recovery and standby tailing
	ReplayedRecordsTotal *prometheus.CounterVec
	RecoveryDuration     prometheus.Histogram
	RecoveryLag          *prometheus.GaugeVec

	// Partition lifecycle
	PartitionStates *prometheus.GaugeVec

	// Windowing
	LateDropsTotal      *prometheus.CounterVec
	ExpiredBucketsTotal *prometheus.CounterVec

	// Store
	FlushesTotal     prometheus.Counter
	FlushDuration    prometheus.Histogram
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// NewMetrics creates a registry and registers all engine metrics on it
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		Registry: reg,

		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "table",
			Name:        "writes_total",
			Help:        "Total number of table set operations",
			ConstLabels: labels,
		}, []string{"table"}),
		DeletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "table",
			Name:        "deletes_total",
			Help:        "Total number of table delete operations",
			ConstLabels: labels,
		}, []string{"table"}),
		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "table",
			Name:        "reads_total",
			Help:        "Total number of table get operations",
			ConstLabels: labels,
		}, []string{"table"}),
		WriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tabled",
			Subsystem:   "table",
			Name:        "write_duration_seconds",
			Help:        "Histogram of table write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		AppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "changelog",
			Name:        "appends_total",
			Help:        "Total number of changelog appends",
			ConstLabels: labels,
		}),
		AppendFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "changelog",
			Name:        "append_failures_total",
			Help:        "Total number of failed changelog appends",
			ConstLabels: labels,
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tabled",
			Subsystem:   "changelog",
			Name:        "append_duration_seconds",
			Help:        "Histogram of changelog append durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ReplayedRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "recovery",
			Name:        "replayed_records_total",
			Help:        "Total number of changelog records replayed into local stores",
			ConstLabels: labels,
		}, []string{"table"}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tabled",
			Subsystem:   "recovery",
			Name:        "duration_seconds",
			Help:        "Histogram of partition recovery durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		RecoveryLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "tabled",
			Subsystem:   "recovery",
			Name:        "lag_records",
			Help:        "Changelog records remaining before a partition is caught up",
			ConstLabels: labels,
		}, []string{"table", "partition"}),

		PartitionStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "tabled",
			Subsystem:   "partition",
			Name:        "states",
			Help:        "Number of partitions per table in each lifecycle state",
			ConstLabels: labels,
		}, []string{"table", "state"}),

		LateDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "window",
			Name:        "late_drops_total",
			Help:        "Total number of window writes dropped for arriving after bucket expiry",
			ConstLabels: labels,
		}, []string{"table"}),
		ExpiredBucketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "window",
			Name:        "expired_buckets_total",
			Help:        "Total number of window buckets removed by the expiry sweep",
			ConstLabels: labels,
		}, []string{"table"}),

		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "store",
			Name:        "flushes_total",
			Help:        "Total number of store batch flushes",
			ConstLabels: labels,
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tabled",
			Subsystem:   "store",
			Name:        "flush_duration_seconds",
			Help:        "Histogram of store flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "store",
			Name:        "cache_hits_total",
			Help:        "Total number of table read cache hits",
			ConstLabels: labels,
		}, []string{"table"}),
		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tabled",
			Subsystem:   "store",
			Name:        "cache_misses_total",
			Help:        "Total number of table read cache misses",
			ConstLabels: labels,
		}, []string{"table"}),
	}
}
