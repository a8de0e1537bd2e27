package tracking

import (
	"cmp"
	"hash/maphash"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
)

const shardCount = 16

// pruneBatch is the number of expired events tolerated before the log is compacted.
const pruneBatch = 256

// Tunables supplies the process-wide thresholds. Values are read on every
// call, so changes apply to the next detection.
type Tunables interface {
	StabilityDuration() time.Duration
	ConfidenceThreshold() float64
}

// Delta is the result of comparing detected stable quantity with stock.
type Delta struct {
	Current  int `json:"currentValidated"`
	Detected int `json:"detectedStable"`
	Delta    int `json:"delta"`
}

type shard struct {
	mu        sync.RWMutex
	trackings map[Key]*Tracking
}

// Engine maintains the trackings. Updates to one key are serialized by the
// key's shard lock; keys in different shards proceed in parallel.
type Engine struct {
	tunables Tunables
	stock    *StockLedger
	metrics  *metrics.TrackingMetrics
	log      logger.Logger
	now      func() time.Time

	seed   maphash.Seed
	shards [shardCount]shard
	active atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches tracking metrics.
func WithMetrics(m *metrics.TrackingMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the wall clock used for resets.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine reading thresholds from tunables and validated
// quantities from stock.
func NewEngine(tunables Tunables, stock *StockLedger, opts ...Option) *Engine {
	e := &Engine{
		tunables: tunables,
		stock:    stock,
		now:      time.Now,
		seed:     maphash.MakeSeed(),
	}
	for i := range e.shards {
		e.shards[i].trackings = make(map[Key]*Tracking)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stock == nil {
		e.stock = NewStockLedger()
	}
	e.log = logger.OrDefault(e.log, "tracking")
	return e
}

// Stock returns the ledger the engine reads validated quantities from.
func (e *Engine) Stock() *StockLedger {
	return e.stock
}

func (e *Engine) shardFor(k Key) *shard {
	return &e.shards[maphash.Comparable(e.seed, k)%shardCount]
}

// ProcessDetection folds a detection into the tracking for its key.
// Detections below the confidence threshold are ignored without side effects.
func (e *Engine) ProcessDetection(ev detection.Event) Outcome {
	if ev.Confidence < e.tunables.ConfidenceThreshold() {
		e.metrics.RecordDetection(string(OutcomeIgnored))
		return OutcomeIgnored
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	window := e.tunables.StabilityDuration()

	key := Key{ObjectType: ev.ObjectType, CameraID: ev.CameraID}
	s := e.shardFor(key)

	s.mu.Lock()
	t, ok := s.trackings[key]
	if !ok {
		t = &Tracking{
			Key:                key,
			FirstSeen:          ev.Timestamp,
			LastSeen:           ev.Timestamp,
			Status:             StatusTracking,
			StabilityThreshold: window,
		}
		s.trackings[key] = t
		e.metrics.SetActive(int(e.active.Add(1)))
	}

	restarted := false
	if t.Status == StatusRejected {
		t.Status = StatusTracking
		restarted = true
	}
	if t.Count == 0 {
		t.FirstSeen = ev.Timestamp
		t.LastSeen = ev.Timestamp
	}

	if ev.Timestamp.After(t.LastSeen) {
		t.LastSeen = ev.Timestamp
	}
	t.StabilityThreshold = window
	t.Count++
	t.AvgConfidence += (ev.Confidence - t.AvgConfidence) / float64(t.Count)
	t.Events = append(t.Events, ev)
	pruneEvents(t, window)

	outcome := OutcomeTracking
	if t.Status == StatusTracking && t.Duration() >= window {
		t.Status = StatusStable
		outcome = OutcomeStable
	}
	duration, avg := t.Duration(), t.AvgConfidence
	s.mu.Unlock()

	switch {
	case !ok:
		e.log.Info("started tracking",
			logger.String("object_type", key.ObjectType),
			logger.String("camera_id", key.CameraID))
	case restarted:
		e.log.Info("tracking restarted after rejection",
			logger.String("object_type", key.ObjectType),
			logger.String("camera_id", key.CameraID))
	}
	if outcome == OutcomeStable {
		e.log.Info("tracking became stable",
			logger.String("object_type", key.ObjectType),
			logger.String("camera_id", key.CameraID),
			logger.Duration("duration", duration),
			logger.Float64("avg_confidence", avg))
	}

	e.metrics.RecordDetection(string(outcome))
	return outcome
}

// pruneEvents drops events that fell out of the stability window in force
// when the newest event arrived. Pruned events are gone for good: raising the
// stability duration later widens the count only over what is still retained.
// Compaction is batched so the common case is an append.
func pruneEvents(t *Tracking, window time.Duration) {
	expired := 0
	for expired < len(t.Events) && t.LastSeen.Sub(t.Events[expired].Timestamp) > window {
		expired++
	}
	if expired >= pruneBatch || (expired > 0 && expired == len(t.Events)) {
		t.Events = slices.Delete(t.Events, 0, expired)
	}
}

// matches reports whether a key selects objectType and, when set, cameraID.
func matches(k Key, objectType, cameraID string) bool {
	return k.ObjectType == objectType && (cameraID == "" || k.CameraID == cameraID)
}

// each visits every tracking under its shard read lock.
func (e *Engine) each(fn func(t *Tracking)) {
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.RLock()
		for _, t := range s.trackings {
			fn(t)
		}
		s.mu.RUnlock()
	}
}

// CountStableObjects sums, over STABLE and PENDING_VALIDATION trackings of
// objectType (restricted to cameraID when non-empty), the events no older
// than the stability duration relative to each tracking's last sighting.
// Events already pruned under a shorter earlier window are not counted.
func (e *Engine) CountStableObjects(objectType, cameraID string) int {
	window := e.tunables.StabilityDuration()
	count := 0
	e.each(func(t *Tracking) {
		if !matches(t.Key, objectType, cameraID) {
			return
		}
		if t.Status == StatusStable || t.Status == StatusPendingValidation {
			count += t.windowCount(window)
		}
	})
	return count
}

// CalculateStockDelta compares the detected stable quantity with validated stock.
func (e *Engine) CalculateStockDelta(objectType, cameraID string) Delta {
	current := e.stock.Get(objectType)
	detected := e.CountStableObjects(objectType, cameraID)
	return Delta{Current: current, Detected: detected, Delta: detected - current}
}

// StableTrackings returns snapshots of the STABLE trackings of objectType,
// restricted to cameraID when non-empty, ordered by camera.
func (e *Engine) StableTrackings(objectType, cameraID string) []Tracking {
	var out []Tracking
	e.each(func(t *Tracking) {
		if matches(t.Key, objectType, cameraID) && t.Status == StatusStable {
			out = append(out, t.clone(false))
		}
	})
	slices.SortFunc(out, func(a, b Tracking) int { return cmp.Compare(a.CameraID, b.CameraID) })
	return out
}

// MarkPending moves the given trackings from STABLE to PENDING_VALIDATION.
// Keys no longer STABLE are skipped. It returns the keys that moved.
func (e *Engine) MarkPending(keys []Key) []Key {
	var moved []Key
	for _, k := range keys {
		s := e.shardFor(k)
		s.mu.Lock()
		if t, ok := s.trackings[k]; ok && t.Status == StatusStable {
			t.Status = StatusPendingValidation
			moved = append(moved, k)
		}
		s.mu.Unlock()
	}
	return moved
}

// Approve moves every PENDING_VALIDATION tracking of objectType to VALIDATED.
func (e *Engine) Approve(objectType string) []Key {
	return e.resolvePending(objectType, func(t *Tracking) {
		t.Status = StatusValidated
	})
}

// Reject moves every PENDING_VALIDATION tracking of objectType to REJECTED and
// resets it: the event log is cleared, counters zeroed and first/last seen set
// to now. The next qualifying detection restarts it as a fresh TRACKING.
func (e *Engine) Reject(objectType string) []Key {
	now := e.now()
	return e.resolvePending(objectType, func(t *Tracking) {
		t.Status = StatusRejected
		t.reset(now)
	})
}

// RevertPending moves PENDING_VALIDATION trackings of the given keys back to
// STABLE. Used when a request could not be opened after all.
func (e *Engine) RevertPending(keys []Key) {
	for _, k := range keys {
		s := e.shardFor(k)
		s.mu.Lock()
		if t, ok := s.trackings[k]; ok && t.Status == StatusPendingValidation {
			t.Status = StatusStable
		}
		s.mu.Unlock()
	}
}

func (e *Engine) resolvePending(objectType string, apply func(t *Tracking)) []Key {
	var keys []Key
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		for k, t := range s.trackings {
			if k.ObjectType == objectType && t.Status == StatusPendingValidation {
				apply(t)
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()
	}
	return keys
}

// Get returns a snapshot of one tracking including its event log.
func (e *Engine) Get(key Key) (Tracking, bool) {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trackings[key]
	if !ok {
		return Tracking{}, false
	}
	return t.clone(true), true
}

// Trackings returns snapshots of all trackings without event logs, ordered by key.
func (e *Engine) Trackings() []Tracking {
	var out []Tracking
	e.each(func(t *Tracking) { out = append(out, t.clone(false)) })
	slices.SortFunc(out, func(a, b Tracking) int {
		return cmp.Or(cmp.Compare(a.ObjectType, b.ObjectType), cmp.Compare(a.CameraID, b.CameraID))
	})
	return out
}

// Len returns the number of live trackings.
func (e *Engine) Len() int {
	return int(e.active.Load())
}

// Summary aggregates the trackings.
type Summary struct {
	TotalTrackings     int            `json:"totalTrackings"`
	ByStatus           map[Status]int `json:"byStatus"`
	ByObjectType       map[string]int `json:"byObjectType"`
	PendingValidations int            `json:"pendingValidations"`
	ValidatedStock     map[string]int `json:"validatedStock"`
}

// Summary returns counts by status and object type and the validated stock.
// PendingValidations is filled in by the validation workflow.
func (e *Engine) Summary() Summary {
	sum := Summary{
		ByStatus:     make(map[Status]int),
		ByObjectType: make(map[string]int),
	}
	e.each(func(t *Tracking) {
		sum.TotalTrackings++
		sum.ByStatus[t.Status]++
		sum.ByObjectType[t.ObjectType]++
	})
	sum.ValidatedStock = e.stock.Snapshot()
	return sum
}

// SearchResult describes one tracking matched by Search.
type SearchResult struct {
	ObjectType     string        `json:"objectType"`
	CameraID       string        `json:"cameraId"`
	Status         Status        `json:"status"`
	Count          int           `json:"count"`
	AvgConfidence  float64       `json:"avgConfidence"`
	LastSeen       time.Time     `json:"lastSeen"`
	Duration       time.Duration `json:"duration"`
	ValidatedStock int           `json:"validatedStock"`
}

// Search finds trackings whose object type contains query, case-insensitively.
// Results are ordered by most recent sighting first.
func (e *Engine) Search(query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []SearchResult
	e.each(func(t *Tracking) {
		if q != "" && !strings.Contains(strings.ToLower(t.ObjectType), q) {
			return
		}
		out = append(out, SearchResult{
			ObjectType:    t.ObjectType,
			CameraID:      t.CameraID,
			Status:        t.Status,
			Count:         t.Count,
			AvgConfidence: t.AvgConfidence,
			LastSeen:      t.LastSeen,
			Duration:      t.Duration(),
		})
	})
	for i := range out {
		out[i].ValidatedStock = e.stock.Get(out[i].ObjectType)
	}
	slices.SortFunc(out, func(a, b SearchResult) int {
		return cmp.Or(b.LastSeen.Compare(a.LastSeen), cmp.Compare(a.CameraID, b.CameraID))
	})
	return out
}
