// Package metrics exposes call-level counters on a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the call coordinator's counter hooks.
type Metrics struct {
	registry *prometheus.Registry

	activeCalls    prometheus.Gauge
	callsStarted   prometheus.Counter
	callsEnded     *prometheus.CounterVec
	truncations    prometheus.Counter
	toolDispatches *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callbridge_active_calls",
			Help: "Calls currently bridged.",
		}),
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_calls_started_total",
			Help: "Calls that reached the media stream start frame.",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_calls_ended_total",
			Help: "Finished calls by termination reason.",
		}, []string{"reason"}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_truncations_total",
			Help: "Assistant utterances cut short by caller speech.",
		}),
		toolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_tool_dispatches_total",
			Help: "Function calls dispatched to tool handlers.",
		}, []string{"tool"}),
	}
	m.registry.MustRegister(
		m.activeCalls,
		m.callsStarted,
		m.callsEnded,
		m.truncations,
		m.toolDispatches,
	)
	return m
}

func (m *Metrics) CallStarted() {
	m.callsStarted.Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	m.callsEnded.WithLabelValues(reason).Inc()
	m.activeCalls.Dec()
}

func (m *Metrics) TruncationIssued() {
	m.truncations.Inc()
}

func (m *Metrics) ToolDispatched(name string) {
	if name == "" {
		name = "unknown"
	}
	m.toolDispatches.WithLabelValues(name).Inc()
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
