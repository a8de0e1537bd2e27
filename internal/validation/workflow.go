package validation

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
	"github.com/tphakala/stockvision/internal/observability/metrics"
	"github.com/tphakala/stockvision/internal/tracking"
)

var (
	// ErrRequestNotFound is returned for an unknown request id.
	ErrRequestNotFound = errors.Newf("validation request not found").
				Component("validation").
				Category(errors.CategoryNotFound).
				Build()
	// ErrRequestNotPending is returned when a request was already decided.
	ErrRequestNotPending = errors.Newf("validation request already processed").
				Component("validation").
				Category(errors.CategoryState).
				Build()
)

// Publisher receives workflow events.
type Publisher interface {
	Broadcast(ctx context.Context, ev notification.Event) int
}

// AlertDelayer supplies the alert delay; read on every CheckAlerts call.
type AlertDelayer interface {
	AlertDelay() time.Duration
}

// Workflow owns validation requests and the validated stock they produce.
// Create, Approve, Reject and CheckAlerts are serialized.
type Workflow struct {
	engine    *tracking.Engine
	store     Store
	publisher Publisher
	delay     AlertDelayer
	metrics   *metrics.ValidationMetrics
	log       logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithMetrics attaches validation metrics.
func WithMetrics(m *metrics.ValidationMetrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithLogger sets the workflow logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Workflow) { w.log = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// NewWorkflow creates a workflow over engine. Approvals are written to the
// engine's stock ledger.
func NewWorkflow(engine *tracking.Engine, store Store, publisher Publisher, delay AlertDelayer, opts ...Option) *Workflow {
	w := &Workflow{
		engine:    engine,
		store:     store,
		publisher: publisher,
		delay:     delay,
		now:       time.Now,
		requests:  make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logger.OrDefault(w.log, "validation")
	return w
}

// LoadStock seeds validated stock from the store.
func (w *Workflow) LoadStock(ctx context.Context, loader StockLoader) error {
	stock, err := loader.LoadStock(ctx)
	if err != nil {
		return errors.New(err).
			Component("validation").
			Category(errors.CategoryDatabase).
			Context("operation", "load_stock").
			Build()
	}
	w.engine.Stock().Load(stock)
	w.log.Info("validated stock loaded", logger.Int("object_types", len(stock)))
	return nil
}

// Observe folds a detection into the engine and, when it made the tracking
// stable, opens a request for its object type and camera.
func (w *Workflow) Observe(ctx context.Context, ev detection.Event) (tracking.Outcome, *Request) {
	outcome := w.engine.ProcessDetection(ev)
	if outcome != tracking.OutcomeStable {
		return outcome, nil
	}
	req, ok := w.Create(ctx, ev.ObjectType, ev.CameraID)
	if !ok {
		return outcome, nil
	}
	return outcome, &req
}

// Create opens a request when there are STABLE trackings of objectType
// (restricted to cameraID when non-empty) and the detected quantity differs
// from validated stock. A store failure is logged; the request still opens.
func (w *Workflow) Create(ctx context.Context, objectType, cameraID string) (Request, bool) {
	w.mu.Lock()

	stable := w.engine.StableTrackings(objectType, cameraID)
	if len(stable) == 0 {
		w.mu.Unlock()
		return Request{}, false
	}
	delta := w.engine.CalculateStockDelta(objectType, cameraID)
	if delta.Delta == 0 {
		w.mu.Unlock()
		w.log.Debug("detected quantity matches stock, no request",
			logger.String("object_type", objectType),
			logger.Int("quantity", delta.Current))
		return Request{}, false
	}

	now := w.now()
	req := &Request{
		ID:               newRequestID(objectType, now),
		ObjectType:       objectType,
		CurrentQuantity:  delta.Current,
		ProposedQuantity: delta.Detected,
		QuantityDelta:    delta.Delta,
		Status:           StatusPending,
		CreatedAt:        now,
	}
	keys := make([]tracking.Key, 0, len(stable))
	var sumConf float64
	var maxDuration time.Duration
	for i := range stable {
		t := &stable[i]
		keys = append(keys, t.Key)
		if !slices.Contains(req.CameraIDs, t.CameraID) {
			req.CameraIDs = append(req.CameraIDs, t.CameraID)
		}
		sumConf += t.AvgConfidence
		maxDuration = max(maxDuration, t.Duration())
	}
	req.AvgConfidence = sumConf / float64(len(stable))
	req.DetectionDurationMinutes = maxDuration.Minutes()

	if err := w.store.CreateRequest(ctx, req.Clone()); err != nil {
		w.metrics.RecordPersistenceFailure("create")
		w.log.Error("failed to persist validation request",
			logger.String("request_id", req.ID),
			logger.String("object_type", objectType),
			logger.Error(err))
	}

	w.engine.MarkPending(keys)
	w.requests[req.ID] = req
	out := req.Clone()
	w.metrics.RecordRequest("created", w.pendingLocked())
	w.mu.Unlock()

	w.log.Info("validation request created",
		logger.String("request_id", out.ID),
		logger.String("object_type", objectType),
		logger.Int("current", out.CurrentQuantity),
		logger.Int("proposed", out.ProposedQuantity),
		logger.Int("delta", out.QuantityDelta))
	w.publish(ctx, notification.EventValidationCreated, createdMessage(&out), out)
	return out, true
}

// Approve applies a pending request: validated stock becomes the proposed
// quantity and the object type's PENDING_VALIDATION trackings become
// VALIDATED. Nothing changes unless the store accepts the approval first.
func (w *Workflow) Approve(ctx context.Context, id, adminID string) (Request, error) {
	w.mu.Lock()

	req, err := w.pendingRequestLocked(id)
	if err != nil {
		w.mu.Unlock()
		return Request{}, err
	}
	now := w.now()
	if err := w.persistDecision(ctx, req, func() error {
		return w.store.ApproveRequest(ctx, id, adminID, now)
	}); err != nil {
		w.mu.Unlock()
		w.metrics.RecordPersistenceFailure("approve")
		return Request{}, errors.New(err).
			Component("validation").
			Category(errors.CategoryDatabase).
			Context("operation", "approve").
			Context("request_id", id).
			Build()
	}

	w.engine.Stock().Set(req.ObjectType, req.ProposedQuantity)
	req.Status = StatusApproved
	req.ValidatedAt = &now
	req.ValidatedBy = adminID
	keys := w.engine.Approve(req.ObjectType)
	out := req.Clone()
	w.metrics.RecordRequest("approved", w.pendingLocked())
	w.mu.Unlock()

	w.log.Info("validation approved",
		logger.String("request_id", id),
		logger.String("object_type", out.ObjectType),
		logger.String("admin_id", adminID),
		logger.Int("quantity", out.ProposedQuantity),
		logger.Int("trackings", len(keys)))
	w.publish(ctx, notification.EventValidationApproved, approvedMessage(&out), out)
	return out, nil
}

// Reject closes a pending request and resets the object type's
// PENDING_VALIDATION trackings. Nothing changes unless the store accepts the
// rejection first.
func (w *Workflow) Reject(ctx context.Context, id, adminID, reason string) (Request, error) {
	w.mu.Lock()

	req, err := w.pendingRequestLocked(id)
	if err != nil {
		w.mu.Unlock()
		return Request{}, err
	}
	now := w.now()
	if err := w.persistDecision(ctx, req, func() error {
		return w.store.RejectRequest(ctx, id, adminID, reason, now)
	}); err != nil {
		w.mu.Unlock()
		w.metrics.RecordPersistenceFailure("reject")
		return Request{}, errors.New(err).
			Component("validation").
			Category(errors.CategoryDatabase).
			Context("operation", "reject").
			Context("request_id", id).
			Build()
	}

	req.Status = StatusRejected
	req.ValidatedAt = &now
	req.ValidatedBy = adminID
	req.RejectionReason = reason
	keys := w.engine.Reject(req.ObjectType)
	out := req.Clone()
	w.metrics.RecordRequest("rejected", w.pendingLocked())
	w.mu.Unlock()

	w.log.Info("validation rejected",
		logger.String("request_id", id),
		logger.String("object_type", out.ObjectType),
		logger.String("admin_id", adminID),
		logger.String("reason", reason),
		logger.Int("trackings_reset", len(keys)))
	w.publish(ctx, notification.EventValidationRejected, rejectedMessage(&out), out)
	return out, nil
}

// persistDecision runs decide. When the store does not know the request,
// because persisting it on creation failed, it is stored first and decide
// retried once.
func (w *Workflow) persistDecision(ctx context.Context, req *Request, decide func() error) error {
	err := decide()
	if err == nil || !errors.IsNotFound(err) {
		return err
	}
	if cerr := w.store.CreateRequest(ctx, req.Clone()); cerr != nil {
		return errors.Join(err, cerr)
	}
	w.log.Info("re-persisted validation request before deciding it", logger.String("request_id", req.ID))
	return decide()
}

func (w *Workflow) pendingRequestLocked(id string) (*Request, error) {
	req, ok := w.requests[id]
	if !ok {
		return nil, errors.New(ErrRequestNotFound).
			Component("validation").
			Context("request_id", id).
			Build()
	}
	if req.Status != StatusPending {
		return nil, errors.New(ErrRequestNotPending).
			Component("validation").
			Context("request_id", id).
			Context("status", string(req.Status)).
			Build()
	}
	return req, nil
}

// CheckAlerts marks and returns the pending requests older than the alert
// delay whose alert was not sent yet. A request is returned at most once.
func (w *Workflow) CheckAlerts(ctx context.Context, now time.Time) []Request {
	delay := w.delay.AlertDelay()

	w.mu.Lock()
	var due []Request
	for _, req := range w.requests {
		if req.Status != StatusPending || req.AlertSentAt != nil {
			continue
		}
		if now.Sub(req.CreatedAt) < delay {
			continue
		}
		sent := now
		req.AlertSentAt = &sent
		due = append(due, req.Clone())
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	slices.SortFunc(due, byCreated)
	w.metrics.RecordAlerts(len(due))

	if rec, ok := w.store.(AlertRecorder); ok {
		for i := range due {
			if err := rec.MarkAlertSent(ctx, due[i].ID, now); err != nil {
				w.metrics.RecordPersistenceFailure("alert")
				w.log.Warn("failed to persist alert timestamp",
					logger.String("request_id", due[i].ID),
					logger.Error(err))
			}
		}
	}
	return due
}

// Get returns a copy of one request.
func (w *Workflow) Get(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	if !ok {
		return Request{}, false
	}
	return req.Clone(), true
}

// Pending returns the pending requests, oldest first.
func (w *Workflow) Pending() []Request {
	return w.list(func(r *Request) bool { return r.Status == StatusPending }, 0, byCreated)
}

// History returns decided requests, most recent first. limit <= 0 means all.
func (w *Workflow) History(limit int) []Request {
	return w.list(func(r *Request) bool { return r.Status != StatusPending }, limit, func(a, b Request) int {
		return byCreated(b, a)
	})
}

func (w *Workflow) list(keep func(*Request) bool, limit int, order func(a, b Request) int) []Request {
	w.mu.Lock()
	out := make([]Request, 0, len(w.requests))
	for _, r := range w.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	w.mu.Unlock()

	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ValidatedStock returns a snapshot of validated stock.
func (w *Workflow) ValidatedStock() map[string]int {
	return w.engine.Stock().Snapshot()
}

// Summary returns the tracking summary with the pending request count.
func (w *Workflow) Summary() tracking.Summary {
	sum := w.engine.Summary()
	w.mu.Lock()
	sum.PendingValidations = w.pendingLocked()
	w.mu.Unlock()
	return sum
}

func (w *Workflow) pendingLocked() int {
	n := 0
	for _, r := range w.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

func (w *Workflow) publish(ctx context.Context, typ notification.EventType, message string, req Request) {
	if w.publisher == nil {
		return
	}
	w.publisher.Broadcast(context.WithoutCancel(ctx), notification.NewEvent(typ, message, req))
}

func byCreated(a, b Request) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
}
