package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ValidationMetrics contains Prometheus metrics for the validation workflow.
type ValidationMetrics struct {
	Requests            *prometheus.CounterVec
	Alerts              prometheus.Counter
	PersistenceFailures *prometheus.CounterVec
	Pending             prometheus.Gauge
}

// NewValidationMetrics creates and registers validation metrics.
func NewValidationMetrics(registry prometheus.Registerer) (*ValidationMetrics, error) {
	m := &ValidationMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockvision_validation_requests_total",
			Help: "Validation request lifecycle events (created, approved, rejected)",
		}, []string{LabelEvent}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockvision_validation_alerts_total",
			Help: "Total number of unattended-request alerts raised",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockvision_validation_persistence_failures_total",
			Help: "Store write failures by operation",
		}, []string{LabelOperation}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockvision_validation_pending",
			Help: "Number of validation requests awaiting a decision",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register validation metrics: %w", err)
	}
	return m, nil
}

// RecordRequest counts a lifecycle event and updates the pending gauge.
func (m *ValidationMetrics) RecordRequest(event string, pending int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(event).Inc()
	m.Pending.Set(float64(pending))
}

// RecordAlerts counts raised alerts.
func (m *ValidationMetrics) RecordAlerts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Alerts.Add(float64(n))
}

// RecordPersistenceFailure counts a failed store write.
func (m *ValidationMetrics) RecordPersistenceFailure(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *ValidationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.Alerts.Describe(ch)
	m.PersistenceFailures.Describe(ch)
	m.Pending.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ValidationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.Alerts.Collect(ch)
	m.PersistenceFailures.Collect(ch)
	m.Pending.Collect(ch)
}
