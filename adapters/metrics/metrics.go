// Package metrics provides Prometheus metrics collection for meterd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for meterd.
type Collector struct {
	// Authorization metrics
	AuthorizationsTotal *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec

	// Report pipeline metrics
	ReportsTotal      prometheus.Counter
	TransactionsTotal prometheus.Counter
	JobsTotal         *prometheus.CounterVec
	JobFailuresTotal  *prometheus.CounterVec
	QueueDepth        prometheus.Gauge

	// Analytics export metrics
	ExportRuns          *prometheus.CounterVec
	ExportedEventsTotal prometheus.Counter
	ExportSkippedKeys   prometheus.Counter

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWith registers the collector's metrics on the given registerer, which
// lets tests use a private registry.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		AuthorizationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "authorizations_total",
				Help:      "Total number of authorization decisions",
			},
			[]string{"operation", "result"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rejections_total",
				Help:      "Authorization rejections by code",
			},
			[]string{"code"},
		),

		ReportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "reports_total",
				Help:      "Total number of report calls accepted",
			},
		),
		TransactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "transactions_total",
				Help:      "Total number of usage transactions enqueued",
			},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "jobs_total",
				Help:      "Background jobs processed by type",
			},
			[]string{"type"},
		),
		JobFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "job_failures_total",
				Help:      "Background job failures by kind (rejected vs fault)",
			},
			[]string{"type", "kind"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meterd",
				Name:      "queue_depth",
				Help:      "Jobs waiting in the background queue",
			},
		),

		ExportRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "export_runs_total",
				Help:      "Analytics export runs by outcome",
			},
			[]string{"outcome"},
		),
		ExportedEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "exported_events_total",
				Help:      "Analytics events shipped to the sink",
			},
		),
		ExportSkippedKeys: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "export_skipped_keys_total",
				Help:      "Malformed counter keys skipped during export",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "config_reloads_total",
				Help:      "Successful configuration reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "config_reload_errors_total",
				Help:      "Failed configuration reload attempts",
			},
		),
	}
}
