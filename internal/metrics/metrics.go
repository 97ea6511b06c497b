// Package metrics exposes relay event counters via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on the meetmesh_messages_dropped_total counter.
const (
	DropReasonRateLimited   = "rate_limited"
	DropReasonUnknownTarget = "unknown_target"
	DropReasonNotInRoom     = "not_in_room"
	DropReasonBadMessage    = "bad_message"
	DropReasonClosed        = "connection_closed"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// tests can run multiple relays in one process without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	Joins           prometheus.Counter
	Leaves          prometheus.Counter
	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	Participants    prometheus.Gauge
	Rooms           prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_joins_total",
			Help: "Room joins processed by the relay.",
		}),
		Leaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_leaves_total",
			Help: "Room leaves (explicit or via disconnect).",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_messages_routed_total",
			Help: "Signaling messages routed, by kind.",
		}, []string{"kind"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_messages_dropped_total",
			Help: "Signaling messages dropped, by reason.",
		}, []string{"reason"}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_connected_participants",
			Help: "Currently connected signaling participants.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_rooms",
			Help: "Rooms with at least one member.",
		}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
