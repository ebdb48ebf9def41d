package chatserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections         prometheus.Gauge
	OnlineUsers         prometheus.Gauge
	Delivered           *prometheus.CounterVec
	Dropped             *prometheus.CounterVec
	Inbound             *prometheus.CounterVec
	PresenceTransitions *prometheus.CounterVec
	AdapterFailures     prometheus.Counter
}

// NewMetrics registers the realtime collectors with reg. A nil reg gets a
// private registry, which keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "connections",
			Help:      "Live connections held by this process, fallback sessions included.",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "online_users",
			Help:      "Identities with at least one live connection on this process.",
		}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_delivered_total",
			Help:      "Events queued on a connection.",
		}, []string{"type"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the connection was slow or closed.",
		}, []string{"type"}),
		Inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_inbound_total",
			Help:      "Client originated events by outcome.",
		}, []string{"type", "outcome"}),
		PresenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "presence_transitions_total",
			Help:      "Online and offline transitions.",
		}, []string{"state"}),
		AdapterFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "adapter_failures_total",
			Help:      "Failed publishes to the cross-process adapter.",
		}),
	}
}

func (m *Metrics) observeTransition(t Transition) {
	state := "offline"

	if t.Online {
		state = "online"
	}

	m.PresenceTransitions.WithLabelValues(state).Inc()
}
