package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a relayed message was not delivered
const (
	dropOffline           = "offline"
	dropNotInConversation = "not_in_conversation"
	dropQueueFull         = "queue_full"
	dropLeftConversation  = "left_conversation"
)

// Metrics holds the Prometheus collectors for one server. Each server owns
// its registry so several can run in one process (tests do).
type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	requests         *prometheus.CounterVec
	authFailures     prometheus.Counter
	violations       prometheus.Counter
	framingErrors    prometheus.Counter
	messagesRouted   prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	discoveryProbes  prometheus.Counter
	discoveryReplies prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wisp",
				Name:      "connections_total",
				Help:      "Accepted connections by transport.",
			},
			[]string{"transport"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wisp",
			Name:      "active_sessions",
			Help:      "Sessions currently running.",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wisp",
				Name:      "requests_total",
				Help:      "Requests answered, by command and response status.",
			},
			[]string{"command", "status"},
		),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Name:      "auth_failures_total",
			Help:      "Rejected AUTH attempts.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Name:      "protocol_violations_total",
			Help:      "Sessions terminated for sending a command illegal in their phase.",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Name:      "framing_errors_total",
			Help:      "Sessions terminated for a malformed or truncated PDU.",
		}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Name:      "messages_routed_total",
			Help:      "Messages queued for delivery to a conversation peer.",
		}),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wisp",
				Name:      "messages_dropped_total",
				Help:      "Messages discarded without delivery, by reason.",
			},
			[]string{"reason"},
		),
		discoveryProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "discovery",
			Name:      "probes_total",
			Help:      "Datagrams received on the discovery port.",
		}),
		discoveryReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "discovery",
			Name:      "replies_total",
			Help:      "Discovery replies sent.",
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.activeSessions,
		m.requests,
		m.authFailures,
		m.violations,
		m.framingErrors,
		m.messagesRouted,
		m.messagesDropped,
		m.discoveryProbes,
		m.discoveryReplies,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves this server's metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordConnection(transport string) {
	m.connections.WithLabelValues(transport).Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) RecordDisconnection() {
	m.activeSessions.Dec()
}

func (m *Metrics) RecordRequest(command string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.requests.WithLabelValues(command, status).Inc()
}

func (m *Metrics) RecordAuthFailure()  { m.authFailures.Inc() }
func (m *Metrics) RecordViolation()    { m.violations.Inc() }
func (m *Metrics) RecordFramingError() { m.framingErrors.Inc() }
func (m *Metrics) RecordRouted()       { m.messagesRouted.Inc() }

func (m *Metrics) RecordDropped(reason string, n int) {
	if n > 0 {
		m.messagesDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) RecordDiscoveryProbe() { m.discoveryProbes.Inc() }
func (m *Metrics) RecordDiscoveryReply() { m.discoveryReplies.Inc() }
