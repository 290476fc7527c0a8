package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ndsnoop"

var (
	Registry = prometheus.NewRegistry()

	Received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nd",
		Name:      "received_total",
		Help:      "Neighbor Discovery messages read from the sockets, by message type",
	}, []string{"type"})

	Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nd",
		Name:      "dropped_total",
		Help:      "Inbound messages that produced no learning event, by reason",
	}, []string{"reason"})

	Sent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nd",
		Name:      "sent_total",
		Help:      "Outbound ICMPv6 messages by type and final result",
	}, []string{"type", "result"})

	Learned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "learned_total",
		Help:      "Learning events handed to the client table, by kind",
	}, []string{"kind"})

	InterfaceBound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_bound",
		Help:      "1 while the ND sockets are bound to the client interface",
	})
)

func init() {
	Registry.MustRegister(Received, Dropped, Sent, Learned, InterfaceBound)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
