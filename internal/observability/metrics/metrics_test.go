package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewCameraMetrics(registry)
	require.NoError(t, err)

	m.RecordFrame("cam-1", 30*time.Millisecond, false)
	m.RecordFrame("cam-1", 40*time.Millisecond, true)
	m.RecordDrop("cam-1")
	m.RecordReconnect("cam-2")
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerStopped()

	assert.InDelta(t, 2, testutil.ToFloat64(m.FramesProcessed.WithLabelValues("cam-1")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.InferenceFailures.WithLabelValues("cam-1")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ResultsDropped.WithLabelValues("cam-1")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Reconnects.WithLabelValues("cam-2")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.WorkersRunning), 0)

	// Registering a second time on the same registry fails
	_, err = NewCameraMetrics(registry)
	require.Error(t, err)
}

func TestCameraMetrics_InferenceHistogram(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewCameraMetrics(registry)
	require.NoError(t, err)

	m.RecordFrame("cam-1", 10*time.Millisecond, false)
	m.RecordFrame("cam-1", 30*time.Millisecond, false)

	var metric dto.Metric
	require.NoError(t, m.InferenceDuration.WithLabelValues("cam-1").(prometheus.Histogram).Write(&metric))
	assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.04, metric.GetHistogram().GetSampleSum(), 1e-9)

	families, err := registry.Gather()
	require.NoError(t, err)
	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "stockvision_camera_inference_duration_seconds" {
			found = f
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, dto.MetricType_HISTOGRAM, found.GetType())
	require.Len(t, found.GetMetric(), 1)
	assert.Equal(t, "cam-1", found.GetMetric()[0].GetLabel()[0].GetValue())
}

func TestTrackingMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewTrackingMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordDetection("ignored")
	m.RecordDetection("tracking")
	m.RecordDetection("stable")
	m.SetActive(3)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Detections.WithLabelValues("ignored")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StableTransitions), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ActiveTrackings), 0)
}

func TestValidationAndNotificationMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	v, err := NewValidationMetrics(registry)
	require.NoError(t, err)
	n, err := NewNotificationMetrics(registry)
	require.NoError(t, err)

	v.RecordRequest("created", 1)
	v.RecordRequest("approved", 0)
	v.RecordAlerts(2)
	v.RecordPersistenceFailure("approve")
	n.RecordDelivery("channel", nil, time.Millisecond)
	n.RecordDelivery("channel", errors.New("closed"), time.Millisecond)
	n.RecordRemoved(1)
	n.SetSubscribers(4)

	assert.InDelta(t, 0, testutil.ToFloat64(v.Pending), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(v.Alerts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(v.PersistenceFailures.WithLabelValues("approve")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(n.Deliveries.WithLabelValues("channel", StatusError)), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(n.Subscribers), 0)

	count, err := testutil.GatherAndCount(registry, "stockvision_validation_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilReceiversAreNoops(t *testing.T) {
	t.Parallel()

	var c *CameraMetrics
	var tr *TrackingMetrics
	var v *ValidationMetrics
	var n *NotificationMetrics
	var q *MQTTMetrics
	var d *DatastoreMetrics

	assert.NotPanics(t, func() {
		c.RecordFrame("x", time.Second, true)
		c.WorkerStarted()
		tr.RecordDetection("stable")
		v.RecordRequest("created", 1)
		n.RecordDelivery("x", nil, 0)
		q.RecordPublish(10, time.Millisecond, nil)
		d.RecordOperation("save", time.Millisecond, nil)
	})
}
