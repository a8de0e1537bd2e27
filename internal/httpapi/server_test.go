package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/datastore"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
	"github.com/tphakala/stockvision/internal/stream"
	"github.com/tphakala/stockvision/internal/tracking"
	"github.com/tphakala/stockvision/internal/validation"
)

func categorized(msg string, cat errors.ErrorCategory) error {
	return errors.Newf("%s", msg).Component("test").Category(cat).Build()
}

type fakeCameras struct {
	mu       sync.Mutex
	cameras  map[string]camera.CameraConfig
	defaults detection.Config
	addErr   error
	results  chan camera.Result
	busy     bool
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		cameras:  make(map[string]camera.CameraConfig),
		defaults: detection.Config{Model: "yolov8n", Tracker: "bytetrack"},
		results:  make(chan camera.Result, 1),
	}
}

func (f *fakeCameras) Add(_ context.Context, cfg camera.CameraConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[cfg.ID]; ok {
		return categorized("camera already exists", errors.CategoryConflict)
	}
	if cfg.ID == "" {
		return categorized("camera id is required", errors.CategoryValidation)
	}
	f.cameras[cfg.ID] = cfg
	return f.addErr
}

func (f *fakeCameras) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[id]; !ok {
		return categorized("camera not found", errors.CategoryNotFound)
	}
	delete(f.cameras, id)
	return nil
}

func (f *fakeCameras) SetEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cameras[id]
	if !ok {
		return categorized("camera not found", errors.CategoryNotFound)
	}
	cfg.Enabled = enabled
	f.cameras[id] = cfg
	return nil
}

func (f *fakeCameras) UpdateROI(_ context.Context, id string, roi detection.Polygon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cameras[id]
	if !ok {
		return categorized("camera not found", errors.CategoryNotFound)
	}
	cfg.ROI = roi
	f.cameras[id] = cfg
	return nil
}

func (f *fakeCameras) update(apply func(*detection.Config)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.defaults
	apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	f.defaults = next
	return nil
}

func (f *fakeCameras) UpdateGlobalModel(m string) error {
	return f.update(func(c *detection.Config) { c.Model = m })
}

func (f *fakeCameras) UpdateGlobalTracker(t string) error {
	return f.update(func(c *detection.Config) { c.Tracker = t })
}

func (f *fakeCameras) UpdateGlobalSegmenter(s string) error {
	return f.update(func(c *detection.Config) { c.Segmenter = s })
}

func (f *fakeCameras) Defaults() detection.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults
}

func (f *fakeCameras) Status() []camera.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]camera.Status, 0, len(f.cameras))
	for _, c := range f.cameras {
		out = append(out, camera.Status{ID: c.ID, ZoneID: c.ZoneID, Source: c.Source, Enabled: c.Enabled})
	}
	return out
}

func (f *fakeCameras) Zones() []camera.Zone { return nil }

func (f *fakeCameras) Subscribe(id string) (<-chan camera.Result, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cameras[id]; !ok {
		return nil, nil, categorized("camera not found", errors.CategoryNotFound)
	}
	if f.busy {
		return nil, nil, camera.ErrConsumerBusy
	}
	f.busy = true
	return f.results, func() {
		f.mu.Lock()
		f.busy = false
		f.mu.Unlock()
	}, nil
}

type fakeValidations struct {
	mu         sync.Mutex
	requests   map[string]validation.Request
	approveErr error
}

func (f *fakeValidations) Pending() []validation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []validation.Request
	for _, r := range f.requests {
		if r.Status == validation.StatusPending {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeValidations) History(int) []validation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []validation.Request
	for _, r := range f.requests {
		if r.Status != validation.StatusPending {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeValidations) Get(id string) (validation.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	return r, ok
}

func (f *fakeValidations) decide(id string, status validation.Status) (validation.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return validation.Request{}, errors.New(validation.ErrRequestNotFound).Build()
	}
	if r.Status != validation.StatusPending {
		return validation.Request{}, errors.New(validation.ErrRequestNotPending).Build()
	}
	if f.approveErr != nil {
		return validation.Request{}, f.approveErr
	}
	r.Status = status
	f.requests[id] = r
	return r, nil
}

func (f *fakeValidations) Approve(_ context.Context, id, _ string) (validation.Request, error) {
	return f.decide(id, validation.StatusApproved)
}

func (f *fakeValidations) Reject(_ context.Context, id, _, reason string) (validation.Request, error) {
	r, err := f.decide(id, validation.StatusRejected)
	r.RejectionReason = reason
	return r, err
}

func (f *fakeValidations) ValidatedStock() map[string]int { return map[string]int{"drill": 3} }

func (f *fakeValidations) Summary() tracking.Summary {
	return tracking.Summary{TotalTrackings: 2, PendingValidations: len(f.Pending())}
}

type fakeTrackings struct{}

func (fakeTrackings) Trackings() []tracking.Tracking {
	return []tracking.Tracking{{Key: tracking.Key{ObjectType: "drill", CameraID: "cam-1"}, Status: tracking.StatusStable}}
}

func (fakeTrackings) Search(q string) []tracking.SearchResult {
	if strings.Contains("drill", strings.ToLower(q)) {
		return []tracking.SearchResult{{ObjectType: "drill", CameraID: "cam-1", Count: 4}}
	}
	return nil
}

type fakeLister struct{ filter datastore.RequestFilter }

func (f *fakeLister) ListRequests(_ context.Context, filter datastore.RequestFilter) ([]validation.Request, error) {
	f.filter = filter
	return []validation.Request{{ID: "VAL-db", Status: validation.StatusApproved}}, nil
}

type fixture struct {
	server      *Server
	cameras     *fakeCameras
	validations *fakeValidations
	events      *notification.Broadcaster
	tunables    *conf.Tunables
}

func newFixture(t *testing.T, mutate ...func(*Dependencies)) *fixture {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	f := &fixture{
		cameras: newFakeCameras(),
		validations: &fakeValidations{requests: map[string]validation.Request{
			"VAL-1": {ID: "VAL-1", ObjectType: "drill", ProposedQuantity: 5, Status: validation.StatusPending},
			"VAL-2": {ID: "VAL-2", ObjectType: "hammer", Status: validation.StatusRejected},
		}},
		events:   notification.NewBroadcaster(notification.WithLogger(log)),
		tunables: conf.DefaultTunables(),
	}
	deps := Dependencies{
		Cameras:     f.cameras,
		Validations: f.validations,
		Trackings:   fakeTrackings{},
		Events:      f.events,
		Tunables:    f.tunables,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}
	for _, m := range mutate {
		m(&deps)
	}
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	s, err := New(cfg, deps, WithLogger(log))
	require.NoError(t, err)
	f.server = s
	t.Cleanup(f.events.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultConfig(), Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{categorized("x", errors.CategoryValidation), http.StatusBadRequest},
		{categorized("x", errors.CategoryModelSwitch), http.StatusBadRequest},
		{categorized("x", errors.CategoryNotFound), http.StatusNotFound},
		{categorized("x", errors.CategoryConflict), http.StatusConflict},
		{categorized("x", errors.CategoryState), http.StatusConflict},
		{categorized("x", errors.CategorySourceUnavailable), http.StatusServiceUnavailable},
		{categorized("x", errors.CategoryDatabase), http.StatusBadGateway},
		{errors.NewStd("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.cameras.Add(t.Context(), camera.CameraConfig{ID: "cam-1", Source: "0", Enabled: true}))

	rec := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Len(t, got["cameras"], 1)
	assert.Equal(t, "yolov8n", got["detection"].(map[string]any)["model"])
	assert.InDelta(t, 0.6, got["tunables"].(map[string]any)["confidenceThreshold"], 1e-9)
	assert.InDelta(t, 1, got["summary"].(map[string]any)["pendingValidations"], 0)
}

func TestAddCamera(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/cameras",
		`{"id":"cam-1","source":"rtsp://10.0.0.1/s","roi":[[0,0],[10,0],[10,10]]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := f.cameras.cameras["cam-1"]
	assert.True(t, cfg.Enabled, "cameras are enabled unless stated")
	assert.Equal(t, detection.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}, cfg.ROI)

	rec = f.do(t, http.MethodPost, "/api/v1/cameras", `{"id":"cam-1","source":"0"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Equal(t, http.StatusConflict, body.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/cameras", `{"source":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/cameras", `{"id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddCamera_SourceUnavailableStillRegisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cameras.addErr = categorized("no source could be opened", errors.CategorySourceUnavailable)

	rec := f.do(t, http.MethodPost, "/api/v1/cameras", `{"id":"cam-9","source":"9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Contains(t, got["warning"], "no source could be opened")
	assert.Equal(t, "cam-9", got["camera"].(map[string]any)["id"])
}

func TestCameraMutations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.cameras.Add(t.Context(), camera.CameraConfig{ID: "cam-1", Source: "0"}))

	rec := f.do(t, http.MethodPut, "/api/v1/cameras/cam-1/roi", `{"roi":[[1,1],[5,1],[5,5]]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.cameras.cameras["cam-1"].ROI, 3)

	rec = f.do(t, http.MethodPut, "/api/v1/cameras/cam-1/enabled", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.cameras.cameras["cam-1"].Enabled)

	rec = f.do(t, http.MethodPut, "/api/v1/cameras/nope/roi", `{"roi":[]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/cameras/cam-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/cameras/cam-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetectorUpdates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/detection/model", `{"name":"yolov8s"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "yolov8s", f.cameras.Defaults().Model)

	rec = f.do(t, http.MethodPut, "/api/v1/detection/tracker", `{"name":"no-such-tracker"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bytetrack", f.cameras.Defaults().Tracker, "failed update keeps the prior setting")

	rec = f.do(t, http.MethodPut, "/api/v1/detection/segmenter", `{"name":"sam2-tiny"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/detection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Contains(t, got["models"], "yolov8n")
	assert.Equal(t, "sam2-tiny", got["current"].(map[string]any)["segmenter"])
}

func TestTunables(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o600))
	f := newFixture(t, func(d *Dependencies) { d.TunablesPath = path })

	rec := f.do(t, http.MethodPut, "/api/v1/tunables", `{"confidenceThreshold":0.75}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 0.75, f.tunables.ConfidenceThreshold(), 1e-9)
	assert.Equal(t, time.Hour, f.tunables.StabilityDuration(), "unset fields are unchanged")

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "confidencethreshold: 0.75")
	assert.Contains(t, string(saved), "debug: true")

	rec = f.do(t, http.MethodPut, "/api/v1/tunables", `{"confidenceThreshold":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.InDelta(t, 0.75, f.tunables.ConfidenceThreshold(), 1e-9)

	rec = f.do(t, http.MethodGet, "/api/v1/tunables", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.75, decode[map[string]any](t, rec)["confidenceThreshold"], 1e-9)
}

func TestValidations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/validations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]validation.Request](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "VAL-1", pending[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/validations?status=rejected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]validation.Request](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/validations?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/validations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/validations/VAL-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/validations/stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"drill": 3}, decode[map[string]int](t, rec))
}

func TestValidations_HistoryFromDatastore(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{}
	f := newFixture(t, func(d *Dependencies) { d.Requests = lister })

	rec := f.do(t, http.MethodGet, "/api/v1/validations?status=all&objectType=drill&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]validation.Request](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "VAL-db", got[0].ID)
	assert.Equal(t, datastore.RequestFilter{ObjectType: "drill", Limit: 5}, lister.filter)
}

func TestDecisions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/validations/VAL-1/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "admin id is required")

	rec = f.do(t, http.MethodPost, "/api/v1/validations/VAL-404/approve", `{"adminId":"admin"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.validations.approveErr = categorized("store down", errors.CategoryDatabase)
	rec = f.do(t, http.MethodPost, "/api/v1/validations/VAL-1/approve", `{"adminId":"admin"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	f.validations.approveErr = nil

	rec = f.do(t, http.MethodPost, "/api/v1/validations/VAL-1/approve", `{"adminId":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, validation.StatusApproved, decode[validation.Request](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/validations/VAL-1/reject", `{"adminId":"admin","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "already processed")
}

func TestTrackings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/trackings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]tracking.Tracking](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/trackings/search?q=DRI", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]tracking.SearchResult](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/trackings/search?q=saw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/trackings/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 2, decode[map[string]any](t, rec)["totalTrackings"], 0)
}

func TestMiscRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, rec).Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", http.NoBody)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "connected", name)
	assert.Equal(t, 1, f.events.Len())

	req1 := validation.Request{ID: "VAL-7", ObjectType: "drill"}
	f.events.Broadcast(t.Context(), notification.NewEvent(notification.EventValidationCreated, "New stock detected: drill (+5)", req1))

	name, data := readEvent()
	assert.Equal(t, string(notification.EventValidationCreated), name)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "New stock detected: drill (+5)", ev["message"])
	assert.Equal(t, "VAL-7", ev["data"].(map[string]any)["id"])

	cancel()
	assert.Eventually(t, func() bool { return f.events.Len() == 0 }, 2*time.Second, 10*time.Millisecond,
		"disconnect unsubscribes the client")
}

func TestFrameStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.cameras.Add(t.Context(), camera.CameraConfig{ID: "cam-1", Source: "0"}))
	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/cameras/cam-1/stream"

	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// a second consumer is refused while the first holds the stream
	_, resp2, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
	_ = resp2.Body.Close()

	ts := time.Date(2026, 3, 2, 8, 0, 0, 250_000_000, time.UTC)
	f.cameras.results <- camera.Result{
		CameraID:   "cam-1",
		Timestamp:  ts,
		Frame:      []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9},
		Detections: []detection.Detection{{Class: "drill", Confidence: 0.9}},
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)

	msg, err := stream.Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, "cam-1", msg.CameraID)
	assert.True(t, msg.Time().Equal(ts))
	require.Len(t, msg.Detections, 1)
	assert.Equal(t, "drill", msg.Detections[0].Class)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, msg.Image)

	// unknown camera is refused before the upgrade
	_, resp3, err := websocket.DefaultDialer.DialContext(t.Context(),
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/cameras/nope/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp3)
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
	_ = resp3.Body.Close()
}
