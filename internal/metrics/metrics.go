// Package metrics provides Prometheus metrics for Synapse.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "synapse"
)

// Engine label values shared by the two UDP protocol engines.
const (
	EnginePunch = "punch"
	EngineRelay = "relay"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Session directory metrics
	RoomsActive     prometheus.Gauge
	ClientsInRooms  prometheus.Gauge
	ControlRequests *prometheus.CounterVec

	// Address registry metrics, labeled by engine
	EndpointsTracked *prometheus.GaugeVec
	EndpointsEvicted *prometheus.CounterVec
	Migrations       *prometheus.CounterVec

	// Punch coordinator metrics
	PunchProbes  prometheus.Counter
	PunchReplies *prometheus.CounterVec
	PunchDropped prometheus.Counter

	// Relay forwarder metrics
	RelayPackets        *prometheus.CounterVec
	RelayDropped        prometheus.Counter
	RelayBytesForwarded prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms currently in the session directory",
		}),
		ClientsInRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_in_rooms",
			Help:      "Number of clients currently recorded in a room",
		}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total session-control requests by operation and result",
		}, []string{"op", "result"}),

		EndpointsTracked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_tracked",
			Help:      "Endpoints currently tracked per address registry",
		}, []string{"engine"}),
		EndpointsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_evicted_total",
			Help:      "Endpoints evicted as stale per address registry",
		}, []string{"engine"}),
		Migrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_migrations_total",
			Help:      "Observed source address changes per address registry",
		}, []string{"engine"}),

		PunchProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_probes_total",
			Help:      "Total well-formed punch probes received",
		}),
		PunchReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_replies_total",
			Help:      "Punch replies sent by kind (found, waiting)",
		}, []string{"kind"}),
		PunchDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_dropped_total",
			Help:      "Punch datagrams dropped as malformed",
		}),

		RelayPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_packets_total",
			Help:      "Relay datagrams accepted by type (bind, data)",
		}, []string{"type"}),
		RelayDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Relay datagrams dropped (malformed, unbound, or unroutable)",
		}),
		RelayBytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_forwarded_total",
			Help:      "Total bytes forwarded between paired peers",
		}),
	}
}
