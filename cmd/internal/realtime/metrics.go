package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the realtime collectors. A nil *Metrics is a no-op.
type Metrics struct {
	connections        prometheus.Gauge
	pushes             *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
}

// NewMetrics builds and registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "realtime",
			Name:      "pushes_total",
			Help:      "Envelopes pushed to connections by type and result.",
		}, []string{"type", "result"}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "realtime",
			Name:      "presence_broadcasts_total",
			Help:      "Coalesced online_users broadcasts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.pushes, m.presenceBroadcasts)
	}
	return m
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) pushDelivered(typ string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(typ, "delivered").Inc()
}

func (m *Metrics) pushDropped(typ string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(typ, "dropped").Inc()
}

func (m *Metrics) presenceBroadcast() {
	if m == nil {
		return
	}
	m.presenceBroadcasts.Inc()
}
