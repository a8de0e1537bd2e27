// Package observability provides metrics and monitoring capabilities for stockvision.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/stockvision/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Camera       *metrics.CameraMetrics
	Tracking     *metrics.TrackingMetrics
	Validation   *metrics.ValidationMetrics
	Notification *metrics.NotificationMetrics
	MQTT         *metrics.MQTTMetrics
	Datastore    *metrics.DatastoreMetrics
}

// NewMetrics creates a new instance of Metrics on a private registry,
// initializing all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: registry}
	var err error

	if m.Camera, err = metrics.NewCameraMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create camera metrics: %w", err)
	}
	if m.Tracking, err = metrics.NewTrackingMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create tracking metrics: %w", err)
	}
	if m.Validation, err = metrics.NewValidationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create validation metrics: %w", err)
	}
	if m.Notification, err = metrics.NewNotificationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	if m.Datastore, err = metrics.NewDatastoreMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	return m, nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
