package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", c.Desc())
	return 0
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSessionStart()
		m.RecordFrameDropped(DropBackpressure)
		m.RecordHTTPRequest("GET", "/api/ping", 200, 0.01)
	})
}

func TestRecordersUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSessionStart()
	m.RecordFrameWritten(1024)
	m.RecordFrameDropped(DropBackpressure)
	m.RecordFrameDropped(DropBackpressure)
	m.RecordFrameDropped(DropOversized)
	m.RecordSessionStop("call_ended", 12)

	assert.Equal(t, 0.0, value(t, m.ActiveSessions))
	assert.Equal(t, 1.0, value(t, m.FramesWritten))
	assert.Equal(t, 2.0, value(t, m.FramesDropped.WithLabelValues(DropBackpressure)))
	assert.Equal(t, 1.0, value(t, m.FramesDropped.WithLabelValues(DropOversized)))
	assert.Equal(t, 1.0, value(t, m.SessionsStopped.WithLabelValues("call_ended")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(401))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(101))
}
