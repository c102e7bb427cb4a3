package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for reading ingestion.
type IngestMetrics struct {
	ReadingsTotal    *prometheus.CounterVec
	IngestDuration   *prometheus.HistogramVec
	RejectedTotal    *prometheus.CounterVec
	DeviceMismatches prometheus.Counter
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of ingestion attempts",
			},
			[]string{"transport", "status"}, // status: success, unauthorized, invalid, error
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of authenticate, persist and publish",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rejected_total",
				Help:      "Total number of readings rejected before persisting",
			},
			[]string{"transport", "reason"},
		),
		DeviceMismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "body_device_mismatch_total",
				Help:      "Total number of bodies naming a device other than the authenticated one",
			},
		),
	}

	MustRegister(
		m.ReadingsTotal,
		m.IngestDuration,
		m.RejectedTotal,
		m.DeviceMismatches,
	)

	return m
}
