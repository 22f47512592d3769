// Package metrics exposes Prometheus instruments for the plugin runtime.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the runtime's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsDelivered *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	PluginFailures  *prometheus.CounterVec
	PluginsByState  *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	StorageOps      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handed to plugin onEvent handlers.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events published after the dispatcher was closed.",
		}),
		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Transitions of a plugin into the failed state.",
		}, []string{"plugin", "phase"}),
		PluginsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins",
			Help:      "Known plugins by lifecycle state.",
		}, []string{"state"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_http_requests_total",
			Help:      "Requests routed through the HTTP bridge by response status.",
		}, []string{"plugin", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_http_request_duration_seconds",
			Help:      "Time spent producing plugin HTTP responses.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"plugin"}),
		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage bridge operations by type and outcome.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsDelivered,
			m.EventsDropped,
			m.PluginFailures,
			m.PluginsByState,
			m.HTTPRequests,
			m.HTTPDuration,
			m.StorageOps,
		)
	}
	return m
}

// EventDelivered counts one successful onEvent call.
func (m *Metrics) EventDelivered(name string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(name).Inc()
}

// EventDropped counts an event that could not be queued.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// PluginFailed counts a transition into the failed state.
func (m *Metrics) PluginFailed(pluginID, phase string) {
	if m == nil {
		return
	}
	m.PluginFailures.WithLabelValues(pluginID, phase).Inc()
}

// StateChanged moves one plugin between state gauges. An empty from means
// the plugin is new.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.PluginsByState.WithLabelValues(from).Dec()
	}
	m.PluginsByState.WithLabelValues(to).Inc()
}

// PluginRemoved drops a plugin that left the registry.
func (m *Metrics) PluginRemoved(state string) {
	if m == nil {
		return
	}
	m.PluginsByState.WithLabelValues(state).Dec()
}

// HTTPRouted records one bridged request.
func (m *Metrics) HTTPRouted(pluginID string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(pluginID, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(pluginID).Observe(elapsed.Seconds())
}

// StorageOp records one storage bridge operation.
func (m *Metrics) StorageOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StorageOps.WithLabelValues(op, result).Inc()
}
