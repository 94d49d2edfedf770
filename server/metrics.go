package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoutte/http-launch/metric"
)

// Metrics holds Prometheus metrics for the connection manager
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRemoved  *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
	bytesRead           prometheus.Counter
	handoffs            prometheus.Counter
}

// newMetrics creates and registers connection manager metrics. A nil
// registry disables metrics (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Total TCP connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Connections currently tracked by the manager",
		}),
		connectionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "connections_removed_total",
			Help:      "Connections removed, by trigger",
		}, []string{"reason"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Parsed requests, by response disposition",
		}, []string{"status"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "bytes_read_total",
			Help:      "Handshake bytes read from client sockets",
		}),
		handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httplaunch",
			Subsystem: "server",
			Name:      "handoffs_total",
			Help:      "Sockets handed off to fan-out sinks",
		}),
	}

	_ = registry.RegisterCounter("server", "connections_accepted", m.connectionsAccepted)
	_ = registry.RegisterGauge("server", "connections_active", m.connectionsActive)
	_ = registry.RegisterCounterVec("server", "connections_removed", m.connectionsRemoved)
	_ = registry.RegisterCounterVec("server", "requests", m.requestsTotal)
	_ = registry.RegisterCounter("server", "bytes_read", m.bytesRead)
	_ = registry.RegisterCounter("server", "handoffs", m.handoffs)

	return m
}

func (m *Metrics) accepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) removed(reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.connectionsRemoved.WithLabelValues(reason).Inc()
}

func (m *Metrics) request(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) read(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) handoff() {
	if m == nil {
		return
	}
	m.handoffs.Inc()
}
