package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackingMetrics contains Prometheus metrics for the temporal tracking engine.
type TrackingMetrics struct {
	Detections        *prometheus.CounterVec
	StableTransitions prometheus.Counter
	ActiveTrackings   prometheus.Gauge
}

// NewTrackingMetrics creates and registers tracking metrics.
func NewTrackingMetrics(registry prometheus.Registerer) (*TrackingMetrics, error) {
	m := &TrackingMetrics{
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockvision_tracking_detections_total",
			Help: "Detections folded into the tracking engine by outcome (ignored, tracking, stable)",
		}, []string{LabelOutcome}),
		StableTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockvision_tracking_stable_transitions_total",
			Help: "Total number of trackings that became stable",
		}),
		ActiveTrackings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockvision_tracking_active",
			Help: "Number of live trackings",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register tracking metrics: %w", err)
	}
	return m, nil
}

// RecordDetection counts a processed detection by outcome.
func (m *TrackingMetrics) RecordDetection(outcome string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(outcome).Inc()
	if outcome == "stable" {
		m.StableTransitions.Inc()
	}
}

// SetActive sets the number of live trackings.
func (m *TrackingMetrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveTrackings.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *TrackingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Detections.Describe(ch)
	m.StableTransitions.Describe(ch)
	m.ActiveTrackings.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TrackingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Detections.Collect(ch)
	m.StableTransitions.Collect(ch)
	m.ActiveTrackings.Collect(ch)
}
