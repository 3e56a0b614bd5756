package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics tracks decision notifications sent through RabbitMQ.
type MQMetrics struct {
	// Published counts notifications confirmed by the broker, per queue.
	Published *prometheus.CounterVec
	// PublishFailures counts notifications given up on, per queue and reason.
	PublishFailures *prometheus.CounterVec
	// PublishAttempts is the number of tries a confirmed notification needed.
	PublishAttempts prometheus.Histogram
	// ConfirmLatency spans one Push call, retries included.
	ConfirmLatency prometheus.Histogram
	Reconnects     prometheus.Counter
	// BrokerUp is 1 while a channel with confirms is open.
	BrokerUp prometheus.Gauge
}

// NewMQMetrics creates notification metrics and registers them with reg, or
// with the global Registry when reg is nil.
func NewMQMetrics(reg prometheus.Registerer, namespace string) *MQMetrics {
	m := &MQMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Decision notifications confirmed by the broker",
		}, []string{"queue"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "publish_failures_total",
			Help:      "Decision notifications that could not be delivered",
		}, []string{"queue", "reason"}),
		PublishAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "publish_attempts",
			Help:      "Attempts needed before the broker confirmed a notification",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),
		ConfirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "confirm_latency_seconds",
			Help:      "Time from publish to broker confirm, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "broker_reconnects_total",
			Help:      "Connection attempts made to the broker",
		}),
		BrokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "broker_up",
			Help:      "1 while the publisher holds a confirming channel, 0 otherwise",
		}),
	}

	registererOr(reg).MustRegister(
		m.Published,
		m.PublishFailures,
		m.PublishAttempts,
		m.ConfirmLatency,
		m.Reconnects,
		m.BrokerUp,
	)

	return m
}
