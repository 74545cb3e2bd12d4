package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	// Routing metrics
	ResolvesTotal   *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	ResolveErrors   *prometheus.CounterVec

	// Membership metrics
	ShardsByStatus *prometheus.GaugeVec

	// Migration metrics
	MigrationsByPhase     *prometheus.GaugeVec
	MigrationsStalled     prometheus.Gauge
	MigratedKeysTotal     prometheus.Counter
	MigratedBytesTotal    prometheus.Counter
	MigrationRetriesTotal *prometheus.CounterVec
}

// New creates and registers the router metrics on the given registerer.
// Passing a fresh registry keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ResolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardrouter_resolves_total",
				Help: "Total number of key resolutions",
			},
			[]string{"intent", "strategy"},
		),

		ResolveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardrouter_resolve_duration_seconds",
				Help:    "Duration of key resolution",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{"intent"},
		),

		ResolveErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardrouter_resolve_errors_total",
				Help: "Total number of failed key resolutions",
			},
			[]string{"intent", "error_type"},
		),

		ShardsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardrouter_shards",
				Help: "Number of shards by status",
			},
			[]string{"status"},
		),

		MigrationsByPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardrouter_migrations",
				Help: "Number of live migration tasks by phase",
			},
			[]string{"phase"},
		),

		MigrationsStalled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardrouter_migrations_stalled",
				Help: "Number of migration tasks currently stalled",
			},
		),

		MigratedKeysTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardrouter_migrated_keys_total",
				Help: "Total keys copied between shards",
			},
		),

		MigratedBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardrouter_migrated_bytes_total",
				Help: "Total bytes copied between shards",
			},
		),

		MigrationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardrouter_migration_retries_total",
				Help: "Total migration operation retries",
			},
			[]string{"operation"},
		),
	}
}
