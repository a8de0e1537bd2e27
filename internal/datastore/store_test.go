package datastore

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
	"github.com/tphakala/stockvision/internal/validation"
)

var created = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "stockvision.db"), 0, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingRequest(id, objectType string, proposed int) validation.Request {
	return validation.Request{
		ID:                       id,
		ObjectType:               objectType,
		CameraIDs:                []string{"cam-1", "cam-2"},
		ProposedQuantity:         proposed,
		QuantityDelta:            proposed,
		AvgConfidence:            0.82,
		DetectionDurationMinutes: 61.5,
		Status:                   validation.StatusPending,
		CreatedAt:                created,
	}
}

func TestOpen_Dispatch(t *testing.T) {
	t.Parallel()

	s, err := Open(conf.DatastoreSettings{
		Type:   "sqlite",
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "nested", "db.sqlite")},
	}, WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, s.Dialect())
	require.NoError(t, s.Close())

	_, err = Open(conf.DatastoreSettings{Type: "postgres"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = OpenSQLite("", 0)
	require.Error(t, err)
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := MySQLDSN(conf.MySQLSettings{Host: "db", Port: 3306, Username: "sv", Password: "pw", Database: "stock"})
	assert.Equal(t, "sv:pw@tcp(db:3306)/stock?charset=utf8mb4&parseTime=True&loc=UTC", dsn)
}

func TestApproveRequest_UpdatesStock(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateRequest(ctx, pendingRequest("VAL-1", "drill", 5)))
	require.NoError(t, s.ApproveRequest(ctx, "VAL-1", "admin", created.Add(time.Hour)))

	stock, err := s.LoadStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"drill": 5}, stock)

	reqs, err := s.ListRequests(ctx, RequestFilter{Status: validation.StatusApproved})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, "admin", got.ValidatedBy)
	assert.Equal(t, []string{"cam-1", "cam-2"}, got.CameraIDs)
	assert.InDelta(t, 61.5, got.DetectionDurationMinutes, 1e-9)
	require.NotNil(t, got.ValidatedAt)
	assert.True(t, got.ValidatedAt.Equal(created.Add(time.Hour)))

	// a second approval of another request replaces the quantity
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("VAL-2", "drill", 2)))
	require.NoError(t, s.ApproveRequest(ctx, "VAL-2", "admin", created.Add(2*time.Hour)))
	stock, err = s.LoadStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stock["drill"])
}

func TestDecide_Errors(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("VAL-1", "drill", 5)))
	require.NoError(t, s.RejectRequest(ctx, "VAL-1", "admin", "miscount", created))

	err := s.ApproveRequest(ctx, "VAL-1", "admin", created)
	require.ErrorIs(t, err, ErrRequestDecided)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	err = s.RejectRequest(ctx, "VAL-404", "admin", "", created)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	stock, err := s.LoadStock(ctx)
	require.NoError(t, err)
	assert.Empty(t, stock, "rejection never touches stock")

	reqs, err := s.ListRequests(ctx, RequestFilter{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, validation.StatusRejected, reqs[0].Status)
	assert.Equal(t, "miscount", reqs[0].RejectionReason)
}

func TestCreateRequest_DuplicateID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.CreateRequest(t.Context(), pendingRequest("VAL-1", "drill", 5)))
	err := s.CreateRequest(t.Context(), pendingRequest("VAL-1", "drill", 5))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
}

func TestMarkAlertSent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateRequest(ctx, pendingRequest("VAL-1", "drill", 5)))

	require.NoError(t, s.MarkAlertSent(ctx, "VAL-1", created.Add(3*time.Hour)))
	reqs, err := s.ListRequests(ctx, RequestFilter{Status: validation.StatusPending})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].AlertSentAt)

	err = s.MarkAlertSent(ctx, "VAL-404", created)
	assert.True(t, errors.IsNotFound(err))
}

func TestListRequests_FilterAndOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	for i, objectType := range []string{"drill", "hammer", "drill"} {
		req := pendingRequest("VAL-"+objectType+string(rune('a'+i)), objectType, i+1)
		req.CreatedAt = created.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateRequest(ctx, req))
	}

	reqs, err := s.ListRequests(ctx, RequestFilter{ObjectType: "drill"})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "VAL-drillc", reqs[0].ID, "newest first")

	reqs, err = s.ListRequests(ctx, RequestFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestCameras(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	cam := camera.CameraConfig{
		ID:       "cam-2",
		Source:   "rtsp://10.0.0.2/stream",
		ZoneID:   "shelf-b",
		ZoneName: "Shelf B",
		ROI:      detection.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}},
		FPS:      10,
		Enabled:  true,
	}
	require.NoError(t, s.SaveCamera(ctx, cam))
	require.NoError(t, s.SaveCamera(ctx, camera.CameraConfig{ID: "cam-1", Source: "0"}))

	cam.ROI = nil
	cam.Enabled = false
	require.NoError(t, s.SaveCamera(ctx, cam), "save replaces")

	cams, err := s.LoadCameras(ctx)
	require.NoError(t, err)
	require.Len(t, cams, 2)
	assert.Equal(t, "cam-1", cams[0].ID)
	assert.Equal(t, "Shelf B", cams[1].ZoneName)
	assert.Empty(t, cams[1].ROI)
	assert.False(t, cams[1].Enabled)

	require.NoError(t, s.DeleteCamera(ctx, "cam-1"))
	require.NoError(t, s.DeleteCamera(ctx, "cam-1"))
	cams, err = s.LoadCameras(ctx)
	require.NoError(t, err)
	assert.Len(t, cams, 1)
}

func TestStore_RecordsMetrics(t *testing.T) {
	t.Parallel()
	m, err := metrics.NewDatastoreMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s := newTestStore(t, WithMetrics(m))

	require.NoError(t, s.CreateRequest(t.Context(), pendingRequest("VAL-1", "drill", 5)))
	_ = s.CreateRequest(t.Context(), pendingRequest("VAL-1", "drill", 5))

	assert.InDelta(t, 1, testutil.ToFloat64(m.Operations.WithLabelValues("create_request", metrics.StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Operations.WithLabelValues("create_request", metrics.StatusError)), 0)
}
