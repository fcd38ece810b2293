// Package metrics holds the Prometheus collectors shared by the session,
// game and broker packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whoisit"

// Metrics is one set of collectors bound to a registry.
type Metrics struct {
	Registry prometheus.Gatherer

	ConnectAttempts *prometheus.CounterVec
	ChannelsOpened  *prometheus.CounterVec
	ChannelsClosed  prometheus.Counter
	Packets         *prometheus.CounterVec
	PacketsDropped  prometheus.Counter
	SendFailures    prometheus.Counter
	Leases          prometheus.Gauge
	LeaseConflicts  prometheus.Counter
	Rounds          *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg gets a private registry,
// which keeps tests that build many sessions from colliding.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Outbound channel dial attempts, by outcome",
		}, []string{"outcome"}),

		ChannelsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "channels_opened_total",
			Help:      "Channels adopted by the session, by direction",
		}, []string{"direction"}),

		ChannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "channels_closed_total",
			Help:      "Adopted channels that closed",
		}),

		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "packets_total",
			Help:      "Packets sent and received, by direction and kind",
		}, []string{"direction", "kind"}),

		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "packets_dropped_total",
			Help:      "Malformed packets dropped on receive",
		}),

		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "send_failures_total",
			Help:      "Sends attempted without an open channel or that failed on write",
		}),

		Leases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "leases",
			Help:      "Identifiers currently claimed on the broker",
		}),

		LeaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "lease_conflicts_total",
			Help:      "Claims rejected because the identifier was taken",
		}),

		Rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "rounds_total",
			Help:      "Concluded rounds, by local result",
		}, []string{"result"}),
	}
}
