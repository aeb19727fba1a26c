package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatroom"

type Metrics struct {
	MessagesCreated prometheus.Counter
	Receipts        *prometheus.CounterVec
	Reactions       *prometheus.CounterVec
	MessagesPurged  prometheus.Counter
	EventsDropped   prometheus.Counter
	Errors          *prometheus.CounterVec
	Sessions        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages persisted and broadcast.",
		}),
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Delivery and read state transitions.",
		}, []string{"kind"}),
		Reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_total",
			Help:      "Reaction toggles by outcome.",
		}, []string{"action"}),
		MessagesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_purged_total",
			Help:      "Messages removed by retention.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound events dropped because a session buffer was full.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to clients by type.",
		}, []string{"type"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Connected websocket sessions.",
		}),
	}

	reg.MustRegister(
		m.MessagesCreated,
		m.Receipts,
		m.Reactions,
		m.MessagesPurged,
		m.EventsDropped,
		m.Errors,
		m.Sessions,
	)
	return m
}

// NewUnregistered is for tests and tools that do not expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
