package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "energy_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL run.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Fetch metrics.
	FetchRequests *prometheus.CounterVec   // labels: provider, outcome={success,retryable_failure,fatal_failure,cancelled}
	FetchRetries  *prometheus.CounterVec   // labels: provider
	FetchDuration *prometheus.HistogramVec // labels: provider
	BreakerOpen   *prometheus.GaugeVec     // labels: provider

	// Collection metrics.
	RecordsCollected *prometheus.CounterVec // labels: source={weather,energy}
	WindowsOmitted   *prometheus.CounterVec // labels: source

	// Run metrics.
	Runs         *prometheus.CounterVec // labels: status={DONE,PARTIAL,ABORTED}
	CityOutcomes *prometheus.CounterVec // labels: status={succeeded,partial,failed,cancelled}
	RunDuration  prometheus.Histogram
	MergedRows   prometheus.Gauge
	FlaggedRows  prometheus.Gauge
	OutlierRows  prometheus.Gauge

	// Sink metrics.
	SinkWrites       *prometheus.CounterVec // labels: sink, outcome={success,error}
	MessagesProduced prometheus.Counter
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a collection run is in progress, 0 otherwise.",
		}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Provider fetch calls by final outcome.",
		}, []string{"provider", "outcome"}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retries issued after a transient provider failure.",
		}, []string{"provider"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_attempt_duration_seconds",
			Help:      "Duration of a single provider HTTP attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the provider circuit breaker is open.",
		}, []string{"provider"}),
		RecordsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_collected_total",
			Help:      "Canonical daily records produced by each source.",
		}, []string{"source"}),
		WindowsOmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_omitted_total",
			Help:      "Date windows skipped after retries were exhausted.",
		}, []string{"source"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed collection runs by final status.",
		}, []string{"status"}),
		CityOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "city_outcomes_total",
			Help:      "Per-city collection outcomes.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete collect-merge-audit-load run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		MergedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merged_rows",
			Help:      "Rows in the merged table of the last run.",
		}),
		FlaggedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flagged_rows",
			Help:      "Rows carrying at least one data quality flag in the last run.",
		}),
		OutlierRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outlier_rows",
			Help:      "Rows outside the plausible temperature or demand bounds in the last run.",
		}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Sink load calls by sink and outcome.",
		}, []string{"sink", "outcome"}),
		MessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Merged rows written to the sink topic.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.FetchRequests,
		m.FetchRetries,
		m.FetchDuration,
		m.BreakerOpen,
		m.RecordsCollected,
		m.WindowsOmitted,
		m.Runs,
		m.CityOutcomes,
		m.RunDuration,
		m.MergedRows,
		m.FlaggedRows,
		m.OutlierRows,
		m.SinkWrites,
		m.MessagesProduced,
	}
}
