package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// fusion pipeline.
type Metrics struct {
	RowsRead         *prometheus.CounterVec // labels: stage
	RowsWritten      *prometheus.CounterVec // labels: stage
	SchemaViolations *prometheus.CounterVec // labels: stage
	PivotCollisions  prometheus.Counter
	FetchRetries     prometheus.Counter
	YearFailures     *prometheus.CounterVec // labels: stage

	StageDuration *prometheus.HistogramVec // labels: stage
	StageState    *prometheus.GaugeVec     // labels: stage; value encodes the stage status
	PipelineRuns  prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsRead,
		m.RowsWritten,
		m.SchemaViolations,
		m.PivotCollisions,
		m.FetchRetries,
		m.YearFailures,
		m.StageDuration,
		m.StageState,
		m.PipelineRuns,
	)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "rows_read_total",
			Help:      "Rows read from source artifacts, per stage.",
		}, []string{"stage"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "rows_written_total",
			Help:      "Rows written to output artifacts, per stage.",
		}, []string{"stage"}),
		SchemaViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "schema_violations_total",
			Help:      "Rows excluded by required-column or type-coercion checks.",
		}, []string{"stage"}),
		PivotCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "pivot_collisions_total",
			Help:      "Duplicate (station, date, element) cells resolved first-wins.",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "fetch_retries_total",
			Help:      "Weather archive fetch attempts beyond the first.",
		}),
		YearFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "year_failures_total",
			Help:      "Per-year failures recorded by a stage.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flight_etl",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a stage execution.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),
		StageState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flight_etl",
			Name:      "stage_state",
			Help:      "Current stage state: 0 pending, 1 running, 2 succeeded, 3 failed, 4 skipped.",
		}, []string{"stage"}),
		PipelineRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flight_etl",
			Name:      "pipeline_runs_total",
			Help:      "Whole-pipeline invocations.",
		}),
	}
}
