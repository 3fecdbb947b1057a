package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of DatagramsDropped.
const (
	DropMalformed  = "malformed"
	DropNotIPv4    = "not_ipv4"
	DropUnexpected = "unexpected_command"
	DropQueueFull  = "queue_full"
)

// Metrics holds the Prometheus collectors of the rendezvous server.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	QueueSize         prometheus.Gauge

	Pings          prometheus.Counter
	Requests       prometheus.Counter
	PunchesSent    prometheus.Counter
	UnknownTargets prometheus.Counter
	SendErrors     prometheus.Counter

	ExpiredPorts      prometheus.Counter
	RegisteredClients prometheus.Gauge
	RegisteredPorts   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		DatagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnip_datagrams_dropped_total",
			Help: "Total number of datagrams discarded without processing",
		}, []string{"reason"}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "turnip_datagram_queue_size",
			Help: "Current number of datagrams waiting for the event loop",
		}),

		Pings: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_pings_total",
			Help: "Total number of PING datagrams processed",
		}),
		Requests: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_requests_total",
			Help: "Total number of REQUEST datagrams processed",
		}),
		PunchesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_punches_sent_total",
			Help: "Total number of PUNCH datagrams sent",
		}),
		UnknownTargets: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_unknown_targets_total",
			Help: "Total number of REQUESTs naming an unregistered client",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_send_errors_total",
			Help: "Total number of failed datagram sends",
		}),

		ExpiredPorts: f.NewCounter(prometheus.CounterOpts{
			Name: "turnip_expired_ports_total",
			Help: "Total number of client ports removed by expiration",
		}),
		RegisteredClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "turnip_registered_clients",
			Help: "Current number of registered clients",
		}),
		RegisteredPorts: f.NewGauge(prometheus.GaugeOpts{
			Name: "turnip_registered_ports",
			Help: "Current number of tracked external ports",
		}),
	}
}

// Dropped counts a discarded datagram.
func (m *Metrics) Dropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// SetRegistered updates the registry size gauges.
func (m *Metrics) SetRegistered(clients, ports int) {
	m.RegisteredClients.Set(float64(clients))
	m.RegisteredPorts.Set(float64(ports))
}
