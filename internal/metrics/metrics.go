// Package metrics holds the bridge's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can run without it in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "guild_bridge"

// Metrics is one registry of bridge collectors.
type Metrics struct {
	Registry *prometheus.Registry

	relayed     *prometheus.CounterVec
	commands    *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	spamRetries *prometheus.CounterVec
	blocked     *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

// New builds a registry with the Go runtime collectors and the bridge
// counters registered.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Messages relayed between the chat platform and the game.",
		}, []string{"bridge", "direction", "category"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Correlated game commands by outcome.",
		}, []string{"bridge", "outcome"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "game_reconnects_total",
			Help:      "Game connection reconnect attempts.",
		}, []string{"bridge"}),
		spamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "antispam_retries_total",
			Help:      "Resends caused by the duplicate-message filter.",
		}, []string{"bridge"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_messages_total",
			Help:      "Inbound chat messages not forwarded to the game, by reason.",
		}, []string{"bridge", "reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Sends waiting for or holding a queue slot.",
		}, []string{"bridge", "queue"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.relayed, m.commands, m.reconnects, m.spamRetries, m.blocked, m.queueDepth,
	)
	return m
}

func (m *Metrics) Relayed(bridge, direction, category string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(bridge, direction, category).Inc()
}

func (m *Metrics) Command(bridge, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(bridge, outcome).Inc()
}

func (m *Metrics) Reconnect(bridge string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(bridge).Inc()
}

func (m *Metrics) SpamRetry(bridge string) {
	if m == nil {
		return
	}
	m.spamRetries.WithLabelValues(bridge).Inc()
}

func (m *Metrics) Blocked(bridge, reason string) {
	if m == nil {
		return
	}
	m.blocked.WithLabelValues(bridge, reason).Inc()
}

// QueueDepth returns the depth gauge for a bridge's named queue, or nil.
func (m *Metrics) QueueDepth(bridge, queue string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.queueDepth.WithLabelValues(bridge, queue)
}
