package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for the live broadcast hub.
type HubMetrics struct {
	ActiveListeners  prometheus.Gauge
	PublishedTotal   prometheus.Counter
	DeliveredTotal   prometheus.Counter
	DroppedListeners *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

// NewHubMetrics creates and registers broadcast hub metrics.
func NewHubMetrics(namespace string) *HubMetrics {
	m := &HubMetrics{
		ActiveListeners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "active_listeners",
				Help:      "Number of live listeners across all devices",
			},
		),
		PublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "published_total",
				Help:      "Total number of readings published to the hub",
			},
		),
		DeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "delivered_total",
				Help:      "Total number of readings written to listeners",
			},
		),
		DroppedListeners: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "dropped_listeners_total",
				Help:      "Total number of listeners removed by the hub",
			},
			[]string{"reason"}, // reason: buffer_full, write_failed, hub_closed
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "delivery_duration_seconds",
				Help:      "Duration of a single listener write",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ActiveListeners,
		m.PublishedTotal,
		m.DeliveredTotal,
		m.DroppedListeners,
		m.DeliveryDuration,
	)

	return m
}
