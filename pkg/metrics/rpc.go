package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics contains Prometheus metrics for the gRPC query API.
type RPCMetrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec
	ActiveStreams    prometheus.Gauge
}

// NewRPCMetrics creates and registers gRPC API metrics.
func NewRPCMetrics(namespace string) *RPCMetrics {
	m := &RPCMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_in_flight",
				Help:      "Number of gRPC requests currently being processed",
			},
			[]string{"method"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "active_watch_streams",
				Help:      "Number of open Watch streams",
			},
		),
	}

	MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ActiveStreams,
	)

	return m
}
