package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventDelivered("stateUpdate")
		m.EventDropped()
		m.PluginFailed("p", "event")
		m.StateChanged("", "loaded")
		m.HTTPRouted("p", 200, time.Millisecond)
		m.StorageOp("read", nil)
	})
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "reaplugin")

	m.EventDelivered("stateUpdate")
	m.EventDelivered("stateUpdate")
	assert.Equal(t, 2.0, counterValue(t, m.EventsDelivered.WithLabelValues("stateUpdate")))

	m.PluginFailed("time-to-ready.reaplugin", "event")
	assert.Equal(t, 1.0, counterValue(t, m.PluginFailures.WithLabelValues("time-to-ready.reaplugin", "event")))

	m.StateChanged("", "loading")
	m.StateChanged("loading", "loaded")
	assert.Equal(t, 0.0, counterValue(t, m.PluginsByState.WithLabelValues("loading")))
	assert.Equal(t, 1.0, counterValue(t, m.PluginsByState.WithLabelValues("loaded")))

	m.HTTPRouted("settings.reaplugin", 404, 2*time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, m.HTTPRequests.WithLabelValues("settings.reaplugin", "404")))

	m.StorageOp("write", errors.New("disk full"))
	assert.Equal(t, 1.0, counterValue(t, m.StorageOps.WithLabelValues("write", "error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
