package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ETLMetrics contains Prometheus metrics for the cleaning pipeline.
type ETLMetrics struct {
	RunsTotal   *prometheus.CounterVec
	RowsDropped *prometheus.CounterVec
	RowsLoaded  prometheus.Counter
	RunDuration prometheus.Histogram
}

// NewETLMetrics creates ETL metrics and registers them with reg, or with the
// global Registry when reg is nil.
func NewETLMetrics(reg prometheus.Registerer, namespace string) *ETLMetrics {
	m := &ETLMetrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "runs_total",
				Help:      "Total number of ETL runs by outcome",
			},
			[]string{"status"}, // status: success, error
		),
		RowsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "rows_dropped_total",
				Help:      "Total number of raw rows dropped during cleaning",
			},
			[]string{"reason"}, // reason: null, malformed, outlier, duplicate
		),
		RowsLoaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "rows_loaded_total",
				Help:      "Total number of rows written to the clean table",
			},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "etl",
				Name:      "run_duration_seconds",
				Help:      "Duration of ETL runs",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registererOr(reg).MustRegister(
		m.RunsTotal,
		m.RowsDropped,
		m.RowsLoaded,
		m.RunDuration,
	)

	return m
}
