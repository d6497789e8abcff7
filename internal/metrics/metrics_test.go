package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauge(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ClassificationSucceeded("Mild")
	m.ClassificationSucceeded("Mild")
	m.ClassificationFailed(ReasonDecode)
	m.SetEngineReady(true)
	m.ObserveInference(10 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("Mild")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues(ReasonDecode)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EngineReady))
}

func TestNewFailsOnDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	assert.Error(t, err)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ClassificationSucceeded("Mild")
		m.ClassificationFailed(ReasonStorage)
		m.ObserveNormalize(time.Millisecond)
		m.SetEngineReady(false)
	})
}
