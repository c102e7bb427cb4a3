package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	ReadingsSent    *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	ActiveDevices   prometheus.Gauge
	ReadingsCreated prometheus.Counter
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		ReadingsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_sent_total",
				Help:      "Total number of readings sent",
			},
			[]string{"transport"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_failures_total",
				Help:      "Total number of failed sends",
			},
			[]string{"transport", "reason"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_duration_seconds",
				Help:      "Duration of send operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices currently running",
			},
		),
		ReadingsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_created_total",
				Help:      "Total number of readings generated",
			},
		),
	}

	MustRegister(
		m.ReadingsSent,
		m.SendFailures,
		m.SendDuration,
		m.ActiveDevices,
		m.ReadingsCreated,
	)

	return m
}
