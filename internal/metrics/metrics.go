// Package metrics exposes Prometheus collectors for the realtime hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by DroppedDeliveries.
const (
	ReasonOffline      = "offline"
	ReasonSlowConsumer = "slow_consumer"
	ReasonRejected     = "rejected"
)

// Metrics groups the collectors updated by the hub. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connections        prometheus.Gauge
	OnlineUsers        prometheus.Gauge
	PresenceBroadcasts prometheus.Counter
	Deliveries         *prometheus.CounterVec
	Dropped            *prometheus.CounterVec
	GroupJoins         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gochat",
			Name:      "ws_active_connections",
			Help:      "Active websocket connections",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gochat",
			Name:      "online_users",
			Help:      "Users holding at least one live connection",
		}),
		PresenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "presence_broadcasts_total",
			Help:      "Full presence snapshots broadcast to all connections",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "deliveries_total",
			Help:      "Frames queued for delivery, by event",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "dropped_total",
			Help:      "Messages or frames not delivered, by reason",
		}, []string{"reason"}),
		GroupJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "group_joins_total",
			Help:      "Group channel join attempts, by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.OnlineUsers, m.PresenceBroadcasts, m.Deliveries, m.Dropped, m.GroupJoins)
	}
	return m
}

// Handler returns an http.Handler for Prometheus scraping of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetConnections records the number of live connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

// SetOnlineUsers records the size of the presence set.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

// PresenceBroadcast counts one presence broadcast.
func (m *Metrics) PresenceBroadcast() {
	if m == nil {
		return
	}
	m.PresenceBroadcasts.Inc()
}

// Delivered counts n frames queued for event.
func (m *Metrics) Delivered(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(event).Add(float64(n))
}

// Drop counts one undelivered message or frame.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

// GroupJoin counts one join attempt with its result.
func (m *Metrics) GroupJoin(result string) {
	if m == nil {
		return
	}
	m.GroupJoins.WithLabelValues(result).Inc()
}
