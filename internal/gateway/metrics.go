// ABOUTME: Prometheus instrumentation for the gateway's websocket traffic
// ABOUTME: Tracks live connections plus per-type counts of frames in and out

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairwise-chat/pairwise/internal/conversation"
	"github.com/pairwise-chat/pairwise/internal/matchmaking"
)

// Metrics holds the gateway's Prometheus collectors. Each Gateway owns its
// own registry so tests don't trip over duplicate registrations.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway collectors. Match and relay
// totals are read straight off the queue and relay counters.
func NewMetrics(queue *matchmaking.Queue, relay *conversation.Service) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairwise_connections_active",
			Help: "Number of live websocket connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairwise_connections_total",
			Help: "Total websocket connections accepted since start.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairwise_frames_received_total",
			Help: "Inbound websocket frames by type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairwise_frames_sent_total",
			Help: "Outbound websocket frames by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.framesReceived,
		m.framesSent,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pairwise_matches_total",
			Help: "Conversations created by the matchmaker since start.",
		}, func() float64 { return float64(queue.Matches()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pairwise_messages_relayed_total",
			Help: "Messages persisted and fanned out since start.",
		}, func() float64 { return float64(relay.MessagesRelayed()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pairwise_queue_waiting",
			Help: "Users currently waiting for a match.",
		}, func() float64 { return float64(queue.Len()) }),
	)
	return m
}

// Handler returns the HTTP handler serving the metrics exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) connectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) frameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) frameSent(frameType string) {
	m.framesSent.WithLabelValues(frameType).Inc()
}
