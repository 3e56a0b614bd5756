package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains Prometheus metrics for decision cycles.
type EngineMetrics struct {
	CyclesTotal          *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	ForecastFailures     prometheus.Counter
	TariffFallbacks      *prometheus.CounterVec
	MirrorFailures       prometheus.Counter
	NotificationFailures prometheus.Counter
	SkippedTicks         prometheus.Counter
	PrunedRows           prometheus.Counter
	LastReadingID        prometheus.Gauge
	LastCycleTimestamp   prometheus.Gauge
}

// NewEngineMetrics creates engine metrics and registers them with reg, or
// with the global Registry when reg is nil.
func NewEngineMetrics(reg prometheus.Registerer, namespace string) *EngineMetrics {
	m := &EngineMetrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "cycles_total",
				Help:      "Total number of decision cycles by outcome",
			},
			[]string{"status"}, // status: committed, mirror_stale, failed
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "decisions_total",
				Help:      "Total number of persisted decisions by action",
			},
			[]string{"action"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of decision cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ForecastFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "forecast_failures_total",
				Help:      "Total number of cycles that ran without a forecast",
			},
		),
		TariffFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tariff_fallbacks_total",
				Help:      "Total number of cycles that used the default tariff tier",
			},
			[]string{"reason"}, // reason: table_unavailable, no_rule, invalid_hour
		),
		MirrorFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "mirror_failures_total",
				Help:      "Total number of committed cycles whose CSV mirror append failed",
			},
		),
		NotificationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "notification_failures_total",
				Help:      "Total number of decision notifications that could not be published",
			},
		),
		SkippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skipped_ticks_total",
				Help:      "Total number of ticks dropped because a cycle was still running",
			},
		),
		PrunedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "pruned_rows_total",
				Help:      "Total number of climate rows removed by retention",
			},
		),
		LastReadingID: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "last_reading_id",
				Help:      "Reading id assigned by the last committed cycle",
			},
		),
		LastCycleTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time of the last committed cycle",
			},
		),
	}

	registererOr(reg).MustRegister(
		m.CyclesTotal,
		m.DecisionsTotal,
		m.CycleDuration,
		m.ForecastFailures,
		m.TariffFallbacks,
		m.MirrorFailures,
		m.NotificationFailures,
		m.SkippedTicks,
		m.PrunedRows,
		m.LastReadingID,
		m.LastCycleTimestamp,
	)

	return m
}
