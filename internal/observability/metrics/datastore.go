package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for store operations.
type DatastoreMetrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewDatastoreMetrics creates and registers datastore metrics.
func NewDatastoreMetrics(registry prometheus.Registerer) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockvision_datastore_operations_total",
			Help: "Datastore operations by operation and status",
		}, []string{LabelOperation, LabelStatus}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockvision_datastore_operation_duration_seconds",
			Help:    "Duration of datastore operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{LabelOperation}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

// RecordOperation records an operation outcome and duration.
func (m *DatastoreMetrics) RecordOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.Duration.WithLabelValues(operation).Observe(d.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Operations.Describe(ch)
	m.Duration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Operations.Collect(ch)
	m.Duration.Collect(ch)
}
