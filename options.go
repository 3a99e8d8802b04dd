package renkei

import (
	"log/slog"

	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port          int
	storageDriver string
	sqlitePath    string
	databaseURL   string
	logger        *slog.Logger
	version       string
	notifier      human.Notifier
	catalog       plan.Catalog
	weights       map[model.Domain]map[model.Metric]float64
	thresholds    map[model.Metric]float64
	seeds         map[model.KPIKey]float64
}

// WithPort overrides the TCP port from config (RENKEI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMemoryStore keeps KPI records in process memory only.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.storageDriver = "memory" }
}

// WithSQLiteStore persists KPI records to a SQLite file at path.
func WithSQLiteStore(path string) Option {
	return func(o *resolvedOptions) {
		o.storageDriver = "sqlite"
		o.sqlitePath = path
	}
}

// WithPostgresStore persists KPI records to Postgres at dsn.
func WithPostgresStore(dsn string) Option {
	return func(o *resolvedOptions) {
		o.storageDriver = "postgres"
		o.databaseURL = dsn
	}
}

// WithHumanNotifier replaces the log-backed human hand-off channel. The
// provided implementation must satisfy the HumanNotifier interface; wrap
// paging or ticketing systems here.
func WithHumanNotifier(n HumanNotifier) Option {
	return func(o *resolvedOptions) { o.notifier = notifierAdapter{n} }
}

// WithActionCatalog replaces the built-in remediation catalog. Keys are
// domain names; each action names a domain and its projected relative
// effects per metric.
func WithActionCatalog(catalog map[string][]Action) Option {
	return func(o *resolvedOptions) { o.catalog = toInternalCatalog(catalog) }
}

// WithSimulationWeights replaces the default plan-scoring weights
// (1.0 everywhere, -1.0 for cost). Keys are domain then metric names.
func WithSimulationWeights(weights map[string]map[string]float64) Option {
	return func(o *resolvedOptions) { o.weights = toInternalWeights(weights) }
}

// WithThresholds overrides per-metric anomaly thresholds as fractional
// deviations (0.10 = 10%). Missing metrics keep their defaults.
func WithThresholds(thresholds map[string]float64) Option {
	return func(o *resolvedOptions) {
		out := make(map[model.Metric]float64, len(thresholds))
		for k, v := range thresholds {
			metric, err := model.ParseMetric(k)
			if err != nil {
				continue
			}
			out[metric] = v
		}
		o.thresholds = out
	}
}

// WithSeed sets initial KPI values, keyed "domain/metric". Unset keys are
// seeded at 100. Seeding never overwrites records already in the store.
func WithSeed(values map[string]float64) Option {
	return func(o *resolvedOptions) {
		seeds := make(map[model.KPIKey]float64)
		for _, d := range model.Domains() {
			for _, m := range model.Metrics() {
				key := model.KPIKey{Domain: d, Metric: m}
				if v, ok := values[key.String()]; ok {
					seeds[key] = v
				} else {
					seeds[key] = 100
				}
			}
		}
		o.seeds = seeds
	}
}
