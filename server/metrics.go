package server

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes transport-side counters on a private registry so tests can
// run multiple servers without collisions.
type Metrics struct {
	reg *prom.Registry

	TicksTotal      prom.Counter
	EventsTotal     prom.Counter
	BroadcastsTotal prom.Counter
	EvictionsTotal  prom.Counter
	ConnectedPeers  prom.Gauge

	handler http.Handler
}

// NewMetrics builds and registers the transport metrics.
func NewMetrics() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		reg: reg,
		TicksTotal: prom.NewCounter(prom.CounterOpts{
			Name: "raildispatch_ticks_total",
			Help: "Simulation ticks driven by the transport loop.",
		}),
		EventsTotal: prom.NewCounter(prom.CounterOpts{
			Name: "raildispatch_events_total",
			Help: "Simulation events published to observers.",
		}),
		BroadcastsTotal: prom.NewCounter(prom.CounterOpts{
			Name: "raildispatch_broadcasts_total",
			Help: "Messages fanned out across all peers.",
		}),
		EvictionsTotal: prom.NewCounter(prom.CounterOpts{
			Name: "raildispatch_peer_evictions_total",
			Help: "Peers dropped after failed writes.",
		}),
		ConnectedPeers: prom.NewGauge(prom.GaugeOpts{
			Name: "raildispatch_connected_peers",
			Help: "Currently connected WebSocket peers.",
		}),
	}
	reg.MustRegister(m.TicksTotal, m.EventsTotal, m.BroadcastsTotal, m.EvictionsTotal, m.ConnectedPeers)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler { return m.handler }
