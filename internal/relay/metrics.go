package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections    prometheus.Gauge
	activeSessions       prometheus.Gauge
	connectionTotal      prometheus.Counter
	frameErrors          *prometheus.CounterVec
	frameLatency         *prometheus.HistogramVec
	messagesRouted       *prometheus.CounterVec
	sessionExpired       prometheus.Counter
	executorReplacements prometheus.Counter
}

// NewMetrics registers the relay metric set. Pass nil to use the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tetherd_relay_connections_active",
			Help: "Current number of connected devices.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tetherd_relay_sessions_active",
			Help: "Current number of role-based sessions on the relay.",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetherd_relay_connections_total",
			Help: "Total connections handled since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_relay_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tetherd_relay_latency_seconds",
			Help:    "Latency for handling relay frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_relay_messages_routed_total",
			Help: "Session messages routed, grouped by sender role.",
		}, []string{"role"}),
		sessionExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetherd_relay_sessions_expired_total",
			Help: "Sessions expired by housekeeping.",
		}),
		executorReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetherd_relay_executor_replacements_total",
			Help: "Executor slots taken over by a newer connection.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.activeSessions,
		m.connectionTotal,
		m.frameErrors,
		m.frameLatency,
		m.messagesRouted,
		m.sessionExpired,
		m.executorReplacements,
	)
	return m
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *relayMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordRouted(role Role) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(string(role)).Inc()
}

func (m *relayMetrics) recordSessionExpiry() {
	if m == nil {
		return
	}
	m.sessionExpired.Inc()
}

func (m *relayMetrics) recordExecutorReplacement() {
	if m == nil {
		return
	}
	m.executorReplacements.Inc()
}
