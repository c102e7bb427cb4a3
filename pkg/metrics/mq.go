package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the RabbitMQ client.
type MQMetrics struct {
	MessagesPublished   *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	PublishDuration     *prometheus.HistogramVec
	ConnectionStatus    prometheus.Gauge
	MessagesConsumed    *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec
	ConsumeDuration     *prometheus.HistogramVec
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of messages confirmed by RabbitMQ",
			},
			[]string{"queue"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of publishes given up on",
			},
			[]string{"queue", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of confirmed publishes including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_consumed_total",
				Help:      "Total number of messages consumed from RabbitMQ",
			},
			[]string{"queue"},
		),
		ConsumptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "consumption_failures_total",
				Help:      "Total number of deliveries rejected by the consumer",
			},
			[]string{"queue", "reason"},
		),
		ConsumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "consume_duration_seconds",
				Help:      "Duration of handling a single delivery",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.ReconnectAttempts,
		m.PublishDuration,
		m.ConnectionStatus,
		m.MessagesConsumed,
		m.ConsumptionFailures,
		m.ConsumeDuration,
	)

	return m
}
