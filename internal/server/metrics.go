package server

import (
	"procodus.dev/sensor-hub/pkg/metrics"
)

// Metrics groups the collectors of every component. Create it once per
// process; the collectors register with the global registry.
type Metrics struct {
	HTTP   *metrics.HTTPMetrics
	RPC    *metrics.RPCMetrics
	Ingest *metrics.IngestMetrics
	Hub    *metrics.HubMetrics
	Store  *metrics.StoreMetrics
	MQ     *metrics.MQMetrics
}

// NewMetrics creates and registers all server metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTP:   metrics.NewHTTPMetrics(namespace),
		RPC:    metrics.NewRPCMetrics(namespace),
		Ingest: metrics.NewIngestMetrics(namespace),
		Hub:    metrics.NewHubMetrics(namespace),
		Store:  metrics.NewStoreMetrics(namespace),
		MQ:     metrics.NewMQMetrics(namespace),
	}
}

func (m *Metrics) http() *metrics.HTTPMetrics {
	if m == nil {
		return nil
	}
	return m.HTTP
}

func (m *Metrics) rpc() *metrics.RPCMetrics {
	if m == nil {
		return nil
	}
	return m.RPC
}

func (m *Metrics) ingest() *metrics.IngestMetrics {
	if m == nil {
		return nil
	}
	return m.Ingest
}

func (m *Metrics) hub() *metrics.HubMetrics {
	if m == nil {
		return nil
	}
	return m.Hub
}

func (m *Metrics) store() *metrics.StoreMetrics {
	if m == nil {
		return nil
	}
	return m.Store
}

func (m *Metrics) mq() *metrics.MQMetrics {
	if m == nil {
		return nil
	}
	return m.MQ
}
