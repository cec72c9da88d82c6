package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	players           prometheus.Gauge
	authResults       *prometheus.CounterVec
	terminations      *prometheus.CounterVec
	streamsAccepted   *prometheus.CounterVec
	streamsRejected   *prometheus.CounterVec
	chunksQueued      prometheus.Counter
	chunksSkipped     prometheus.Counter
	datagrams         prometheus.Counter
	chatMessages      prometheus.Counter
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns, sub = "gsnet", "server"
	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connections_active",
			Help: "Open transport sessions.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connections_total",
			Help: "Transport sessions accepted.",
		}),
		players: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "players",
			Help: "Authenticated players.",
		}),
		authResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "auth_results_total",
			Help: "Login attempts by outcome.",
		}, []string{"result"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "terminations_total",
			Help: "Connections terminated by the server, by kind.",
		}, []string{"kind"}),
		streamsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "streams_accepted_total",
			Help: "Auxiliary streams classified, by stream type.",
		}, []string{"kind"}),
		streamsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "streams_rejected_total",
			Help: "Auxiliary streams closed during classification, by reason.",
		}, []string{"reason"}),
		chunksQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "chunks_queued_total",
			Help: "Chunk packets queued to players.",
		}),
		chunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "chunks_skipped_total",
			Help: "Chunk packets not sent because the player held that revision.",
		}),
		datagrams: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "datagrams_accepted_total",
			Help: "Player datagrams that superseded the previous value of their channel.",
		}),
		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "chat_messages_total",
			Help: "Chat messages relayed.",
		}),
	}
}

// StreamAccepted implements stream.Observer.
func (m *Metrics) StreamAccepted(kind string) {
	m.streamsAccepted.WithLabelValues(kind).Inc()
}

// StreamRejected implements stream.Observer.
func (m *Metrics) StreamRejected(reason string) {
	m.streamsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) authResult(err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := protocol.AuthErrorKindOf(err); ok {
			result = kind.String()
		}
	}
	m.authResults.WithLabelValues(result).Inc()
}

func (m *Metrics) terminated(kind protocol.TerminationKind) {
	m.terminations.WithLabelValues(kind.String()).Inc()
}
