// Package metrics holds the Prometheus collectors of the meeting server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	meetingsCreated  prometheus.Counter
	meetingsEnded    prometheus.Counter
	activeMeetings   prometheus.Gauge
	registeredPeers  prometheus.Gauge
	chatMessages     prometheus.Counter
	signalsRelayed   *prometheus.CounterVec
	peersExpired     prometheus.Counter
	signalConnsTotal prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		meetingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_meetings_created_total",
			Help: "Meetings created",
		}),
		meetingsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_meetings_ended_total",
			Help: "Meetings ended by their owner",
		}),
		activeMeetings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_active_meetings",
			Help: "Meetings that have not ended",
		}),
		registeredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_registered_peers",
			Help: "Peer registrations that have not expired",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_chat_messages_total",
			Help: "Chat messages stored",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_signals_relayed_total",
			Help: "Handshake messages relayed between peers, by type",
		}, []string{"type"}),
		peersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_peers_expired_total",
			Help: "Peer registrations removed for missing heartbeats",
		}),
		signalConnsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_signal_connections",
			Help: "Open signaling websockets",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.meetingsCreated,
		m.meetingsEnded,
		m.activeMeetings,
		m.registeredPeers,
		m.chatMessages,
		m.signalsRelayed,
		m.peersExpired,
		m.signalConnsTotal,
	)
	return m
}

// The recorders below accept a nil receiver so components can run without metrics.

func (m *Metrics) MeetingCreated() {
	if m != nil {
		m.meetingsCreated.Inc()
	}
}

func (m *Metrics) MeetingEnded() {
	if m != nil {
		m.meetingsEnded.Inc()
	}
}

func (m *Metrics) ChatMessage() {
	if m != nil {
		m.chatMessages.Inc()
	}
}

func (m *Metrics) SignalRelayed(kind string) {
	if m != nil {
		m.signalsRelayed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PeersExpired(n int) {
	if m != nil && n > 0 {
		m.peersExpired.Add(float64(n))
	}
}

func (m *Metrics) SignalConnOpened() {
	if m != nil {
		m.signalConnsTotal.Inc()
	}
}

func (m *Metrics) SignalConnClosed() {
	if m != nil {
		m.signalConnsTotal.Dec()
	}
}

func (m *Metrics) SetActiveMeetings(n int) {
	if m != nil {
		m.activeMeetings.Set(float64(n))
	}
}

func (m *Metrics) SetRegisteredPeers(n int) {
	if m != nil {
		m.registeredPeers.Set(float64(n))
	}
}

// Middleware counts requests by matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
