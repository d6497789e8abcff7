// Package metrics provides the Prometheus metrics for the classification service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons recorded by ClassificationFailed.
const (
	ReasonEmptyInput  = "empty_input"
	ReasonDecode      = "decode"
	ReasonUnavailable = "engine_unavailable"
	ReasonUnreachable = "engine_unreachable"
	ReasonInference   = "inference"
	ReasonStorage     = "storage"
)

// Metrics holds the classification counters and latency histograms.
type Metrics struct {
	ClassificationsTotal *prometheus.CounterVec
	FailuresTotal        *prometheus.CounterVec
	NormalizeDuration    prometheus.Histogram
	InferenceDuration    prometheus.Histogram
	EngineReady          prometheus.Gauge
}

// New creates the metrics and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinascan_classifications_total",
			Help: "Successful classifications partitioned by predicted label.",
		}, []string{"label"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinascan_classification_failures_total",
			Help: "Failed classification requests partitioned by reason.",
		}, []string{"reason"}),
		NormalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retinascan_normalize_duration_seconds",
			Help:    "Time taken to decode and normalise an upload.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retinascan_inference_duration_seconds",
			Help:    "Time taken by the classifier to score one image.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		EngineReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retinascan_engine_ready",
			Help: "1 when the classifier loaded at startup, 0 otherwise.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ClassificationsTotal,
		m.FailuresTotal,
		m.NormalizeDuration,
		m.InferenceDuration,
		m.EngineReady,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register classification metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveNormalize records normalisation latency.
func (m *Metrics) ObserveNormalize(d time.Duration) {
	if m == nil {
		return
	}
	m.NormalizeDuration.Observe(d.Seconds())
}

// ObserveInference records classifier latency.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.Observe(d.Seconds())
}

// ClassificationSucceeded counts a recorded prediction.
func (m *Metrics) ClassificationSucceeded(label string) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(label).Inc()
}

// ClassificationFailed counts a failed request.
func (m *Metrics) ClassificationFailed(reason string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(reason).Inc()
}

// SetEngineReady publishes the engine state.
func (m *Metrics) SetEngineReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.EngineReady.Set(1)
		return
	}
	m.EngineReady.Set(0)
}
