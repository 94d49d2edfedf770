package fanout

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoutte/http-launch/metric"
)

// sinkMetrics holds Prometheus metrics for one fan-out sink
type sinkMetrics struct {
	framesRendered  prometheus.Counter
	bytesRendered   prometheus.Counter
	framesDelivered prometheus.Counter
	bytesDelivered  prometheus.Counter
	clientsActive   prometheus.Gauge
	clientsRemoved  *prometheus.CounterVec
}

// newSinkMetrics creates and registers metrics for a named sink. A nil
// registry disables metrics (nil input = nil feature pattern).
func newSinkMetrics(registry *metric.MetricsRegistry, sinkName string) *sinkMetrics {
	if registry == nil {
		return nil
	}

	m := &sinkMetrics{
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "frames_rendered_total",
			Help:        "Frames rendered into the look-back buffer",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}),
		bytesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "bytes_rendered_total",
			Help:        "Bytes rendered into the look-back buffer",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "frames_delivered_total",
			Help:        "Frames fully written to client sockets",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}),
		bytesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "bytes_delivered_total",
			Help:        "Bytes fully written to client sockets",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}),
		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "clients_active",
			Help:        "Currently attached client sockets",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}),
		clientsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "httplaunch",
			Subsystem:   "fanout",
			Name:        "clients_removed_total",
			Help:        "Clients dropped from the sink by reason",
			ConstLabels: prometheus.Labels{"sink": sinkName},
		}, []string{"reason"}),
	}

	component := fmt.Sprintf("fanout_%s", sinkName)
	_ = registry.RegisterCounter(component, "frames_rendered", m.framesRendered)
	_ = registry.RegisterCounter(component, "bytes_rendered", m.bytesRendered)
	_ = registry.RegisterCounter(component, "frames_delivered", m.framesDelivered)
	_ = registry.RegisterCounter(component, "bytes_delivered", m.bytesDelivered)
	_ = registry.RegisterGauge(component, "clients_active", m.clientsActive)
	_ = registry.RegisterCounterVec(component, "clients_removed", m.clientsRemoved)

	return m
}

func (m *sinkMetrics) frameRendered(bytes int) {
	if m == nil {
		return
	}
	m.framesRendered.Inc()
	m.bytesRendered.Add(float64(bytes))
}

func (m *sinkMetrics) frameDelivered(bytes int) {
	if m == nil {
		return
	}
	m.framesDelivered.Inc()
	m.bytesDelivered.Add(float64(bytes))
}

func (m *sinkMetrics) clientAdded() {
	if m == nil {
		return
	}
	m.clientsActive.Inc()
}

func (m *sinkMetrics) clientRemoved(reason string) {
	if m == nil {
		return
	}
	m.clientsActive.Dec()
	m.clientsRemoved.WithLabelValues(reason).Inc()
}
