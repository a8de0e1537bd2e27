package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains Prometheus metrics for the broadcaster and its sinks.
type NotificationMetrics struct {
	Deliveries         *prometheus.CounterVec
	SubscribersRemoved prometheus.Counter
	Subscribers        prometheus.Gauge
	DeliveryDuration   *prometheus.HistogramVec
}

// NewNotificationMetrics creates and registers notification metrics.
func NewNotificationMetrics(registry prometheus.Registerer) (*NotificationMetrics, error) {
	m := &NotificationMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockvision_notification_deliveries_total",
			Help: "Event deliveries by subscriber kind and status",
		}, []string{"kind", LabelStatus}),
		SubscribersRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockvision_notification_subscribers_removed_total",
			Help: "Subscribers removed after a failed delivery",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockvision_notification_subscribers",
			Help: "Number of live subscribers",
		}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockvision_notification_delivery_duration_seconds",
			Help:    "Duration of a single subscriber delivery",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

// RecordDelivery records one delivery attempt.
func (m *NotificationMetrics) RecordDelivery(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.Deliveries.WithLabelValues(kind, status).Inc()
	m.DeliveryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRemoved counts removed subscribers.
func (m *NotificationMetrics) RecordRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SubscribersRemoved.Add(float64(n))
}

// SetSubscribers sets the live subscriber count.
func (m *NotificationMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Deliveries.Describe(ch)
	m.SubscribersRemoved.Describe(ch)
	m.Subscribers.Describe(ch)
	m.DeliveryDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Deliveries.Collect(ch)
	m.SubscribersRemoved.Collect(ch)
	m.Subscribers.Collect(ch)
	m.DeliveryDuration.Collect(ch)
}
