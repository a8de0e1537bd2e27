// Package metrics provides custom Prometheus metrics for the stockvision components.
//
// Every collector method is safe to call on a nil receiver so that components
// can run without metrics in tests.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CameraMetrics contains Prometheus metrics for capture/inference workers.
type CameraMetrics struct {
	FramesProcessed   *prometheus.CounterVec
	ResultsDropped    *prometheus.CounterVec
	InferenceFailures *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	SourceFailures    *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	WorkersRunning    prometheus.Gauge
}

// NewCameraMetrics creates and registers camera worker metrics.
func NewCameraMetrics(registry prometheus.Registerer) (*CameraMetrics, error) {
	m := &CameraMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register camera metrics: %w", err)
	}
	return m, nil
}

func (m *CameraMetrics) initMetrics() {
	m.FramesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockvision_camera_frames_processed_total",
		Help: "Total number of frames run through inference",
	}, []string{LabelCamera})

	m.ResultsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockvision_camera_results_dropped_total",
		Help: "Total number of stale results evicted from the latest-result buffer",
	}, []string{LabelCamera})

	m.InferenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockvision_camera_inference_failures_total",
		Help: "Total number of frames whose inference failed and counted as zero detections",
	}, []string{LabelCamera})

	m.Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockvision_camera_reconnects_total",
		Help: "Total number of source reconnect attempts",
	}, []string{LabelCamera})

	m.SourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockvision_camera_source_unavailable_total",
		Help: "Total number of worker starts that failed on every source",
	}, []string{LabelCamera})

	m.InferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockvision_camera_inference_duration_seconds",
		Help:    "Duration of inference calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{LabelCamera})

	m.WorkersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockvision_camera_workers_running",
		Help: "Number of camera workers currently running",
	})
}

// RecordFrame records one processed frame and its inference duration.
func (m *CameraMetrics) RecordFrame(camera string, inference time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.WithLabelValues(camera).Inc()
	m.InferenceDuration.WithLabelValues(camera).Observe(inference.Seconds())
	if failed {
		m.InferenceFailures.WithLabelValues(camera).Inc()
	}
}

// RecordDrop records a stale result evicted from the buffer.
func (m *CameraMetrics) RecordDrop(camera string) {
	if m == nil {
		return
	}
	m.ResultsDropped.WithLabelValues(camera).Inc()
}

// RecordReconnect records a reconnect attempt.
func (m *CameraMetrics) RecordReconnect(camera string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(camera).Inc()
}

// RecordSourceUnavailable records a start that exhausted every fallback source.
func (m *CameraMetrics) RecordSourceUnavailable(camera string) {
	if m == nil {
		return
	}
	m.SourceFailures.WithLabelValues(camera).Inc()
}

// WorkerStarted increments the running workers gauge.
func (m *CameraMetrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersRunning.Inc()
}

// WorkerStopped decrements the running workers gauge.
func (m *CameraMetrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.WorkersRunning.Dec()
}

// Describe implements the prometheus.Collector interface.
func (m *CameraMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesProcessed.Describe(ch)
	m.ResultsDropped.Describe(ch)
	m.InferenceFailures.Describe(ch)
	m.Reconnects.Describe(ch)
	m.SourceFailures.Describe(ch)
	m.InferenceDuration.Describe(ch)
	m.WorkersRunning.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *CameraMetrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesProcessed.Collect(ch)
	m.ResultsDropped.Collect(ch)
	m.InferenceFailures.Collect(ch)
	m.Reconnects.Collect(ch)
	m.SourceFailures.Collect(ch)
	m.InferenceDuration.Collect(ch)
	m.WorkersRunning.Collect(ch)
}
