package validation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
	"github.com/tphakala/stockvision/internal/tracking"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu         sync.Mutex
	failCreate bool
	failDecide bool
	strict     bool // decisions on unknown ids fail with not found
	created    []Request
	approved   []string
	rejected   []string
	alerted    []string
}

func (s *fakeStore) CreateRequest(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return fmt.Errorf("disk full")
	}
	s.created = append(s.created, req)
	return nil
}

func (s *fakeStore) ApproveRequest(_ context.Context, id, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDecide {
		return fmt.Errorf("database locked")
	}
	if s.strict && !s.knownLocked(id) {
		return errors.Newf("request %s not found", id).Category(errors.CategoryNotFound).Build()
	}
	s.approved = append(s.approved, id)
	return nil
}

func (s *fakeStore) RejectRequest(_ context.Context, id, _, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDecide {
		return fmt.Errorf("database locked")
	}
	if s.strict && !s.knownLocked(id) {
		return errors.Newf("request %s not found", id).Category(errors.CategoryNotFound).Build()
	}
	s.rejected = append(s.rejected, id)
	return nil
}

func (s *fakeStore) knownLocked(id string) bool {
	for _, r := range s.created {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *fakeStore) MarkAlertSent(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerted = append(s.alerted, id)
	return nil
}

func (s *fakeStore) LoadStock(context.Context) (map[string]int, error) {
	return map[string]int{"drill": 3}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.Event
}

func (p *recordingPublisher) Broadcast(_ context.Context, ev notification.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *recordingPublisher) types() []notification.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notification.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	engine    *tracking.Engine
	tunables  *conf.Tunables
	store     *fakeStore
	publisher *recordingPublisher
	workflow  *Workflow
	clock     time.Time
}

func newFixture(t *testing.T, stabilityMinutes int) *fixture {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	f := &fixture{
		tunables: conf.NewTunables(conf.TrackingSettings{
			StabilityDurationMinutes: stabilityMinutes,
			ConfidenceThreshold:      0.6,
			AlertDelayHours:          3,
		}),
		store:     &fakeStore{},
		publisher: &recordingPublisher{},
		clock:     base,
	}
	f.engine = tracking.NewEngine(f.tunables, tracking.NewStockLedger(), tracking.WithLogger(log),
		tracking.WithClock(func() time.Time { return f.clock }))
	f.workflow = NewWorkflow(f.engine, f.store, f.publisher, f.tunables,
		WithLogger(log), WithClock(func() time.Time { return f.clock }))
	return f
}

func (f *fixture) detect(object, camera string, conf float64, ts time.Time) (tracking.Outcome, *Request) {
	return f.workflow.Observe(context.Background(), detection.Event{
		ObjectType: object,
		CameraID:   camera,
		Confidence: conf,
		Timestamp:  ts,
	})
}

// stabilize feeds n detections over one minute so the tracking becomes stable
// on the last one.
func (f *fixture) stabilize(t *testing.T, object, camera string, n int) *Request {
	t.Helper()
	var req *Request
	for i := range n {
		ts := base.Add(time.Duration(i) * time.Minute / time.Duration(n-1))
		outcome, r := f.detect(object, camera, 0.8, ts)
		if i < n-1 {
			require.Equal(t, tracking.OutcomeTracking, outcome, "event %d", i)
			require.Nil(t, r)
		} else {
			require.Equal(t, tracking.OutcomeStable, outcome)
			req = r
		}
	}
	return req
}

func TestEndToEnd_FiveDrillsProposeFive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	req := f.stabilize(t, "drill", "cam-1", 5)
	require.NotNil(t, req)

	assert.True(t, strings.HasPrefix(req.ID, "VAL-drill-20260302080000-"), req.ID)
	assert.Equal(t, "drill", req.ObjectType)
	assert.Equal(t, []string{"cam-1"}, req.CameraIDs)
	assert.Equal(t, 0, req.CurrentQuantity)
	assert.Equal(t, 5, req.ProposedQuantity)
	assert.Equal(t, 5, req.QuantityDelta)
	assert.InDelta(t, 0.8, req.AvgConfidence, 1e-9)
	assert.InDelta(t, 1.0, req.DetectionDurationMinutes, 1e-9)
	assert.Equal(t, StatusPending, req.Status)

	tr, ok := f.engine.Get(tracking.Key{ObjectType: "drill", CameraID: "cam-1"})
	require.True(t, ok)
	assert.Equal(t, tracking.StatusPendingValidation, tr.Status)

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, notification.EventValidationCreated, ev.Type)
	assert.Equal(t, "New stock detected: drill (+5)", ev.Message)
	assert.Equal(t, *req, ev.Data)

	require.Len(t, f.store.created, 1)
	assert.Equal(t, req.ID, f.store.created[0].ID)
}

func TestCreate_NoRequestWithoutStableOrDelta(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 60)
	f.detect("drill", "cam-1", 0.9, base)
	_, ok := f.workflow.Create(t.Context(), "drill", "cam-1")
	assert.False(t, ok, "no STABLE tracking")

	g := newFixture(t, 0)
	g.engine.Stock().Set("drill", 1)
	outcome, req := g.detect("drill", "cam-1", 0.9, base)
	assert.Equal(t, tracking.OutcomeStable, outcome)
	assert.Nil(t, req, "detected quantity equals stock")
	assert.Empty(t, g.publisher.events)
}

func TestCreate_PersistenceFailureStillOpensRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.store.failCreate = true
	_, req := f.detect("hammer", "cam-2", 0.9, base)
	require.NotNil(t, req)

	got, ok := f.workflow.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, f.workflow.Pending(), 1)
	assert.Equal(t, []notification.EventType{notification.EventValidationCreated}, f.publisher.types())
}

func TestApprove_RepersistsRequestUnknownToStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.store.failCreate = true
	_, req := f.detect("hammer", "cam-2", 0.9, base)
	require.NotNil(t, req)

	f.store.mu.Lock()
	f.store.failCreate = false
	f.store.strict = true
	f.store.mu.Unlock()

	got, err := f.workflow.Approve(t.Context(), req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.created, 1)
	assert.Equal(t, req.ID, f.store.created[0].ID)
	assert.Equal(t, []string{req.ID}, f.store.approved)
}

func TestApprove(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	req := f.stabilize(t, "drill", "cam-1", 5)
	require.NotNil(t, req)
	f.clock = base.Add(time.Hour)

	got, err := f.workflow.Approve(t.Context(), req.ID, "admin-7")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "admin-7", got.ValidatedBy)
	require.NotNil(t, got.ValidatedAt)
	assert.Equal(t, base.Add(time.Hour), *got.ValidatedAt)

	assert.Equal(t, 5, f.workflow.ValidatedStock()["drill"])
	tr, _ := f.engine.Get(tracking.Key{ObjectType: "drill", CameraID: "cam-1"})
	assert.Equal(t, tracking.StatusValidated, tr.Status)
	assert.Equal(t, "Validation approved: drill (5 units)", f.publisher.events[1].Message)

	// Second approval fails without side effects
	_, err = f.workflow.Approve(t.Context(), req.ID, "admin-7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestNotPending)
	assert.Len(t, f.store.approved, 1)
	assert.Len(t, f.publisher.events, 2)
}

func TestApprove_UnknownRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.workflow.Approve(t.Context(), "VAL-nope", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.workflow.Reject(t.Context(), "VAL-nope", "admin", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestApprove_PersistenceFailureChangesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.engine.Stock().Set("drill", 2)
	for range 4 {
		f.detect("drill", "cam-1", 0.9, base)
	}
	reqs := f.workflow.Pending()
	require.Len(t, reqs, 1)
	f.store.failDecide = true

	_, err := f.workflow.Approve(t.Context(), reqs[0].ID, "admin")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))

	got, _ := f.workflow.Get(reqs[0].ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ValidatedAt)
	assert.Equal(t, 2, f.workflow.ValidatedStock()["drill"])
	tr, _ := f.engine.Get(tracking.Key{ObjectType: "drill", CameraID: "cam-1"})
	assert.Equal(t, tracking.StatusPendingValidation, tr.Status)

	_, err = f.workflow.Reject(t.Context(), reqs[0].ID, "admin", "bad")
	require.Error(t, err)
	got, _ = f.workflow.Get(reqs[0].ID)
	assert.Equal(t, StatusPending, got.Status)

	// Once the store recovers the request can be decided
	f.store.failDecide = false
	_, err = f.workflow.Approve(t.Context(), reqs[0].ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, f.workflow.ValidatedStock()["drill"])
}

func TestReject_ResetsTrackings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	req := f.stabilize(t, "drill", "cam-1", 5)
	require.NotNil(t, req)
	f.clock = base.Add(2 * time.Hour)

	got, err := f.workflow.Reject(t.Context(), req.ID, "admin", "miscount")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "miscount", got.RejectionReason)

	tr, _ := f.engine.Get(tracking.Key{ObjectType: "drill", CameraID: "cam-1"})
	assert.Equal(t, tracking.StatusRejected, tr.Status)
	assert.Empty(t, tr.Events)
	assert.Equal(t, tr.FirstSeen, tr.LastSeen)
	assert.Equal(t, f.clock, tr.FirstSeen)
	assert.Zero(t, f.workflow.ValidatedStock()["drill"])
	assert.Equal(t, "Validation rejected: drill", f.publisher.events[1].Message)

	_, err = f.workflow.Reject(t.Context(), req.ID, "admin", "again")
	assert.ErrorIs(t, err, ErrRequestNotPending)

	history := f.workflow.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, req.ID, history[0].ID)
}

func TestCheckAlerts_AtMostOnceAfterDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, req := f.detect("drill", "cam-1", 0.9, base)
	require.NotNil(t, req)

	assert.Empty(t, f.workflow.CheckAlerts(t.Context(), base.Add(3*time.Hour-time.Second)))

	alerts := f.workflow.CheckAlerts(t.Context(), base.Add(3*time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, req.ID, alerts[0].ID)
	require.NotNil(t, alerts[0].AlertSentAt)
	assert.Equal(t, base.Add(3*time.Hour), *alerts[0].AlertSentAt)
	assert.Equal(t, []string{req.ID}, f.store.alerted)

	assert.Empty(t, f.workflow.CheckAlerts(t.Context(), base.Add(10*time.Hour)))
}

func TestCheckAlerts_SkipsDecidedAndUsesCurrentDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, drill := f.detect("drill", "cam-1", 0.9, base)
	_, saw := f.detect("saw", "cam-1", 0.9, base)
	require.NotNil(t, drill)
	require.NotNil(t, saw)
	_, err := f.workflow.Approve(t.Context(), drill.ID, "admin")
	require.NoError(t, err)

	hours := 1
	_, err = f.tunables.Update(conf.TunablesUpdate{AlertDelayHours: &hours})
	require.NoError(t, err)

	alerts := f.workflow.CheckAlerts(t.Context(), base.Add(time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, saw.ID, alerts[0].ID)
}

func TestLoadStockAndSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	require.NoError(t, f.workflow.LoadStock(t.Context(), f.store))
	assert.Equal(t, map[string]int{"drill": 3}, f.workflow.ValidatedStock())

	f.detect("drill", "cam-1", 0.9, base)
	sum := f.workflow.Summary()
	assert.Equal(t, 1, sum.TotalTrackings)
	assert.Equal(t, 1, sum.PendingValidations)

	req := f.workflow.Pending()[0]
	assert.Equal(t, 3, req.CurrentQuantity)
	assert.Equal(t, -2, req.QuantityDelta)
	assert.Equal(t, "New stock detected: drill (-2)", f.publisher.events[0].Message)
}

func TestConcurrentCamerasIndependentRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	var wg sync.WaitGroup
	for _, cam := range []string{"cam-1", "cam-2"} {
		wg.Go(func() {
			for range 50 {
				f.detect("drill", cam, 0.9, base)
			}
		})
	}
	wg.Wait()

	// Each camera's first detection made its own tracking stable
	pending := f.workflow.Pending()
	require.NotEmpty(t, pending)
	assert.LessOrEqual(t, len(pending), 2)
	for _, cam := range []string{"cam-1", "cam-2"} {
		tr, ok := f.engine.Get(tracking.Key{ObjectType: "drill", CameraID: cam})
		require.True(t, ok)
		assert.Equal(t, 50, tr.Count)
	}
}
