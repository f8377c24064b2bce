package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HubMetrics instruments the websocket push hub.
type HubMetrics struct {
	Clients  prometheus.Gauge
	Sent     *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	Accepted prometheus.Counter
}

// NewHubMetrics registers the hub series on reg. A nil reg yields
// unregistered collectors, which tests use.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	f := promauto.With(reg)
	return &HubMetrics{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinpulse",
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected websocket clients",
		}),
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinpulse",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Messages pushed to websocket clients by type",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinpulse",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped for slow websocket clients by type",
		}, []string{"type"}),
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coinpulse",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Accepted websocket connections",
		}),
	}
}
