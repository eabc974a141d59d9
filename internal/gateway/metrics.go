// ABOUTME: Prometheus metrics for the gateway
// ABOUTME: Registered on a per-instance registry so tests can run gateways side by side

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway's instrument set.
type metrics struct {
	registry *prometheus.Registry

	connectedNodes prometheus.Gauge
	tasksSubmitted prometheus.Counter
	tasksFinished  *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		connectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flock_connected_nodes",
			Help: "Number of nodes with a live session.",
		}),
		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flock_tasks_submitted_total",
			Help: "Total tasks accepted for dispatch.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flock_tasks_finished_total",
			Help: "Total tasks that reached a terminal state.",
		}, []string{"status"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flock_node_handshakes_total",
			Help: "Node WebSocket handshake attempts by outcome.",
		}, []string{"outcome"}),
	}
}
