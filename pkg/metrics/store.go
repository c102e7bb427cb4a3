package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics contains Prometheus metrics for the reading store.
type StoreMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ReadingsAppended  prometheus.Counter
}

// NewStoreMetrics creates and registers reading store metrics.
func NewStoreMetrics(namespace string) *StoreMetrics {
	m := &StoreMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations",
			},
			[]string{"operation", "status"}, // operation: append, devices, latest, range, scan
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ReadingsAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "readings_appended_total",
				Help:      "Total number of readings persisted",
			},
		),
	}

	MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ReadingsAppended,
	)

	return m
}
