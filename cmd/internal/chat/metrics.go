package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the chat collectors. A nil *Metrics is a no-op.
type Metrics struct {
	sent    *prometheus.CounterVec
	deleted prometheus.Counter
	bot     *prometheus.CounterVec
}

// NewMetrics builds and registers the chat collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Send requests by outcome (stored, duplicate, rejected).",
		}, []string{"result"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "chat",
			Name:      "messages_deleted_total",
			Help:      "Messages deleted by their sender.",
		}),
		bot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "chat",
			Name:      "bot_completions_total",
			Help:      "Assistant completions by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.deleted, m.bot)
	}
	return m
}

func (m *Metrics) send(result string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(result).Inc()
}

func (m *Metrics) delete() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}

func (m *Metrics) completion(result string) {
	if m == nil {
		return
	}
	m.bot.WithLabelValues(result).Inc()
}
