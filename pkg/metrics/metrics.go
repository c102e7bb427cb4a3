// Package metrics defines the Prometheus collectors of the sensor hub: HTTP
// and gRPC APIs, ingestion, live hub, store, RabbitMQ client and the device
// simulator. Every collector lives on one registry served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric unless configured otherwise.
const DefaultNamespace = "sensor_hub"

// Registry holds the process, Go runtime, build and component collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
}

// Handler serves the registry in the Prometheus or OpenMetrics text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          Registry,
	})
}

// MustRegister registers component collectors. It panics on a duplicate,
// so each component's collectors are built once per process.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
