package camera

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
)

// DefaultRestartCooldown is how long a failed start blocks new start attempts
// for the same camera.
const DefaultRestartCooldown = 10 * time.Second

// ErrDuplicateCamera is returned when adding a camera id that already exists.
var ErrDuplicateCamera = errors.Newf("camera id already exists").
	Component("camera").
	Category(errors.CategoryConflict).
	Build()

// ErrCameraNotFound is returned for an unknown camera id.
var ErrCameraNotFound = errors.Newf("camera not found").
	Component("camera").
	Category(errors.CategoryNotFound).
	Build()

// CameraConfig describes a camera. Only ROI and Enabled change after creation.
type CameraConfig struct {
	ID            string            `json:"id"`
	Source        string            `json:"source"`
	ZoneID        string            `json:"zoneId"`
	ZoneName      string            `json:"zoneName"`
	EquipmentType string            `json:"equipmentType,omitempty"`
	ROI           detection.Polygon `json:"roi,omitempty"`
	FPS           float64           `json:"fps"`
	Enabled       bool              `json:"enabled"`
}

func (c CameraConfig) clone() CameraConfig {
	c.ROI = c.ROI.Clone()
	return c
}

func (c *CameraConfig) normalize() {
	if c.ZoneID == "" {
		c.ZoneID = "zone-" + c.ID
	}
	if c.ZoneName == "" {
		c.ZoneName = c.ZoneID
	}
}

func (c *CameraConfig) validate() error {
	switch {
	case c.ID == "":
		return validationError("camera id is required", c.ID)
	case c.Source == "":
		return validationError("camera source is required", c.ID)
	case c.FPS < 0:
		return validationError("camera fps must not be negative", c.ID)
	}
	return validateROI(c.ROI, c.ID)
}

func validateROI(roi detection.Polygon, cameraID string) error {
	if len(roi) > 0 && len(roi) < 3 {
		return validationError("roi needs at least 3 points", cameraID)
	}
	return nil
}

func validationError(msg, cameraID string) error {
	return errors.Newf("%s", msg).
		Component("camera").
		Category(errors.CategoryValidation).
		Context("camera_id", cameraID).
		Build()
}

// FromSettings converts a configured camera.
func FromSettings(s conf.CameraSettings) CameraConfig {
	return CameraConfig{
		ID:            s.ID,
		Source:        s.Source,
		ZoneID:        s.ZoneID,
		ZoneName:      s.ZoneName,
		EquipmentType: s.EquipmentType,
		ROI:           detection.PolygonFromPairs(s.ROI),
		FPS:           float64(s.FPS),
		Enabled:       s.Enabled,
	}
}

// Zone is the area a camera watches.
type Zone struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	CameraID      string            `json:"cameraId"`
	EquipmentType string            `json:"equipmentType,omitempty"`
	ROI           detection.Polygon `json:"roi,omitempty"`
}

// Status describes a camera at the time of the call.
type Status struct {
	ID           string           `json:"id"`
	ZoneID       string           `json:"zoneId"`
	ZoneName     string           `json:"zoneName"`
	Source       string           `json:"source"`
	ActiveSource string           `json:"activeSource,omitempty"`
	Enabled      bool             `json:"enabled"`
	Running      bool             `json:"running"`
	Detector     detection.Config `json:"detector"`
	LastError    string           `json:"lastError,omitempty"`
	LastFrameAt  *time.Time       `json:"lastFrameAt,omitempty"`
}

// CameraStore persists cameras added at runtime.
type CameraStore interface {
	SaveCamera(ctx context.Context, cfg CameraConfig) error
	DeleteCamera(ctx context.Context, id string) error
	LoadCameras(ctx context.Context) ([]CameraConfig, error)
}

type entry struct {
	cfg    CameraConfig
	worker *Worker
}

// SupervisorConfig holds the settings applied to every worker.
type SupervisorConfig struct {
	Worker   WorkerConfig // CameraID, Source and FPS are taken from each camera
	Detector detection.Config
}

// Supervisor owns the workers, their configuration and the zones.
type Supervisor struct {
	cfg        SupervisorConfig
	opener     Opener
	factory    detection.Factory
	sink       Sink
	thresholds Thresholds
	store      CameraStore
	metrics    *metrics.CameraMetrics
	log        logger.Logger

	ids      *keyLock
	global   sync.RWMutex // held exclusively while propagating detector changes
	cooldown time.Duration
	failures *cache.Cache // last start failure per camera id, expiring after cooldown

	mu       sync.RWMutex
	defaults detection.Config
	cameras  map[string]*entry
	zones    map[string]*Zone
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithCameraStore persists runtime camera changes.
func WithCameraStore(store CameraStore) SupervisorOption {
	return func(s *Supervisor) { s.store = store }
}

// WithSupervisorMetrics attaches camera metrics, shared with the workers.
func WithSupervisorMetrics(m *metrics.CameraMetrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithRestartCooldown sets how long a failed start blocks restarts of that
// camera. Zero disables the cooldown.
func WithRestartCooldown(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.cooldown = d }
}

// WithSupervisorLogger sets the supervisor logger.
func WithSupervisorLogger(l logger.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = l }
}

// NewSupervisor creates a supervisor with no cameras.
func NewSupervisor(cfg SupervisorConfig, opener Opener, factory detection.Factory, sink Sink, thresholds Thresholds, opts ...SupervisorOption) (*Supervisor, error) {
	defaults := cfg.Detector.Normalize()
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:        cfg,
		opener:     opener,
		factory:    factory,
		sink:       sink,
		thresholds: thresholds,
		ids:        newKeyLock(),
		cooldown:   DefaultRestartCooldown,
		defaults:   defaults,
		cameras:    make(map[string]*entry),
		zones:      make(map[string]*Zone),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.failures = cache.New(s.cooldown, 0)
	s.log = logger.OrDefault(s.log, "camera")
	return s, nil
}

// Add registers a camera and, when enabled, starts its worker. A camera
// whose source cannot be opened stays registered but not running, and the
// SourceUnavailable error is returned.
func (s *Supervisor) Add(ctx context.Context, cfg CameraConfig) error {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.clone()

	unlock := s.ids.lock(cfg.ID)
	defer unlock()

	w, err := s.register(cfg)
	if err != nil {
		return err
	}
	s.log.Info("camera added",
		logger.String("camera_id", cfg.ID),
		logger.String("zone_id", cfg.ZoneID),
		logger.Bool("enabled", cfg.Enabled))

	if s.store != nil {
		if err := s.store.SaveCamera(ctx, cfg); err != nil {
			s.log.Error("failed to persist camera", logger.String("camera_id", cfg.ID), logger.Error(err))
		}
	}

	if !cfg.Enabled {
		return nil
	}
	return s.start(ctx, w)
}

// register builds the worker with the current detector defaults and records
// the camera and its zone.
func (s *Supervisor) register(cfg CameraConfig) (*Worker, error) {
	s.global.RLock()
	defer s.global.RUnlock()

	s.mu.RLock()
	_, exists := s.cameras[cfg.ID]
	defaults := s.defaults
	s.mu.RUnlock()
	if exists {
		return nil, errors.New(ErrDuplicateCamera).
			Component("camera").
			Context("camera_id", cfg.ID).
			Build()
	}

	det, err := s.factory(defaults)
	if err != nil {
		return nil, errors.New(err).
			Component("camera").
			Category(errors.CategoryModelSwitch).
			Context("camera_id", cfg.ID).
			Context("detector", defaults.String()).
			Build()
	}

	wcfg := s.cfg.Worker
	wcfg.CameraID = cfg.ID
	wcfg.Source = cfg.Source
	wcfg.FPS = cfg.FPS
	if wcfg.Fallbacks == nil {
		wcfg.Fallbacks = DefaultFallbackSources
	}
	w := NewWorker(wcfg, s.opener, det, defaults, s.sink, s.thresholds,
		WithROI(s.zoneROI(cfg.ZoneID)),
		WithWorkerMetrics(s.metrics),
		WithWorkerLogger(s.log))

	s.mu.Lock()
	s.cameras[cfg.ID] = &entry{cfg: cfg, worker: w}
	if z, ok := s.zones[cfg.ZoneID]; !ok {
		s.zones[cfg.ZoneID] = &Zone{
			ID:            cfg.ZoneID,
			Name:          cfg.ZoneName,
			CameraID:      cfg.ID,
			EquipmentType: cfg.EquipmentType,
			ROI:           cfg.ROI.Clone(),
		}
	} else if len(cfg.ROI) > 0 {
		z.ROI = cfg.ROI.Clone()
	}
	s.mu.Unlock()
	return w, nil
}

// zoneROI returns a lookup of the zone's current polygon. Updates replace the
// slice, so the returned value is never mutated afterwards.
func (s *Supervisor) zoneROI(zoneID string) func() detection.Polygon {
	return func() detection.Polygon {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if z, ok := s.zones[zoneID]; ok {
			return z.ROI
		}
		return nil
	}
}

// start launches a worker unless its previous start failed less than the
// restart cooldown ago, in which case that failure is returned without
// walking the source fallbacks again.
func (s *Supervisor) start(ctx context.Context, w *Worker) error {
	if cached, ok := s.failures.Get(w.ID()); ok {
		s.log.Debug("camera start skipped during cooldown", logger.String("camera_id", w.ID()))
		return cached.(error)
	}
	if err := w.Start(ctx); err != nil {
		if s.cooldown > 0 {
			s.failures.Set(w.ID(), err, cache.DefaultExpiration)
		}
		return err
	}
	s.failures.Delete(w.ID())
	return nil
}

// Remove stops a camera's worker and forgets the camera. Its zone is dropped
// when no other camera references it.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	unlock := s.ids.lock(id)
	defer unlock()

	s.mu.RLock()
	e, ok := s.cameras[id]
	s.mu.RUnlock()
	if !ok {
		return notFound(id)
	}

	e.worker.Stop()

	s.mu.Lock()
	delete(s.cameras, id)
	zoneID := e.cfg.ZoneID
	orphaned := true
	for _, o := range s.cameras {
		if o.cfg.ZoneID == zoneID {
			orphaned = false
			break
		}
	}
	if orphaned {
		delete(s.zones, zoneID)
	}
	s.mu.Unlock()
	s.failures.Delete(id)

	if s.store != nil {
		if err := s.store.DeleteCamera(ctx, id); err != nil {
			s.log.Error("failed to delete persisted camera", logger.String("camera_id", id), logger.Error(err))
		}
	}
	s.log.Info("camera removed",
		logger.String("camera_id", id),
		logger.Bool("zone_removed", orphaned))
	return nil
}

// SetEnabled starts or stops a camera's worker.
func (s *Supervisor) SetEnabled(ctx context.Context, id string, enabled bool) error {
	unlock := s.ids.lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.cameras[id]
	if ok {
		e.cfg.Enabled = enabled
	}
	s.mu.Unlock()
	if !ok {
		return notFound(id)
	}
	s.persist(ctx, id)

	if !enabled {
		e.worker.Stop()
		return nil
	}
	return s.start(ctx, e.worker)
}

// UpdateROI replaces the polygon of a camera and of its zone. An empty
// polygon clears the ROI. Workers read it on their next frame.
func (s *Supervisor) UpdateROI(ctx context.Context, id string, roi detection.Polygon) error {
	if err := validateROI(roi, id); err != nil {
		return err
	}
	unlock := s.ids.lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.cameras[id]
	if ok {
		e.cfg.ROI = roi.Clone()
		if z, zok := s.zones[e.cfg.ZoneID]; zok {
			z.ROI = roi.Clone()
		}
	}
	s.mu.Unlock()
	if !ok {
		return notFound(id)
	}
	s.persist(ctx, id)
	s.log.Info("camera roi updated", logger.String("camera_id", id), logger.Int("points", len(roi)))
	return nil
}

func (s *Supervisor) persist(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	cfg, ok := s.Camera(id)
	if !ok {
		return
	}
	if err := s.store.SaveCamera(ctx, cfg); err != nil {
		s.log.Error("failed to persist camera", logger.String("camera_id", id), logger.Error(err))
	}
}

// UpdateGlobalModel switches every worker to model and makes it the default
// for future workers.
func (s *Supervisor) UpdateGlobalModel(model string) error {
	return s.updateGlobal("model", model, func(c *detection.Config) { c.Model = model })
}

// UpdateGlobalTracker switches every worker to tracker ("" or "none" disables it).
func (s *Supervisor) UpdateGlobalTracker(tracker string) error {
	return s.updateGlobal("tracker", tracker, func(c *detection.Config) { c.Tracker = tracker })
}

// UpdateGlobalSegmenter switches every worker to segmenter ("" or "none" disables it).
func (s *Supervisor) UpdateGlobalSegmenter(segmenter string) error {
	return s.updateGlobal("segmenter", segmenter, func(c *detection.Config) { c.Segmenter = segmenter })
}

// updateGlobal validates the new default, then reconfigures each worker. A
// worker whose swap fails keeps its detector; the failures are joined. The
// default changes only when at least one worker switched or, failing that,
// when the factory can build the new configuration.
func (s *Supervisor) updateGlobal(kind, value string, apply func(*detection.Config)) error {
	s.global.Lock()
	defer s.global.Unlock()

	s.mu.RLock()
	next := s.defaults
	workers := make([]*Worker, 0, len(s.cameras))
	for _, e := range s.cameras {
		workers = append(workers, e.worker)
	}
	s.mu.RUnlock()

	apply(&next)
	next = next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}

	var errs []error
	for _, w := range workers {
		wc := w.DetectorConfig()
		apply(&wc)
		if err := w.Reconfigure(s.factory, wc); err != nil {
			s.log.Warn("detector switch failed, keeping previous",
				logger.String("camera_id", w.ID()),
				logger.String(kind, value),
				logger.Error(err))
			errs = append(errs, err)
		}
	}

	// With no worker accepting the switch, the new default must still build
	// a detector, or every later Add would fail.
	if len(errs) == len(workers) {
		if _, err := s.factory(next); err != nil {
			s.log.Warn("detector switch rejected, defaults unchanged",
				logger.String(kind, value),
				logger.Error(err))
			if len(errs) == 0 {
				return errors.New(err).
					Component("camera").
					Category(errors.CategoryModelSwitch).
					Context("detector", next.String()).
					Build()
			}
			return errors.Join(errs...)
		}
	}

	s.mu.Lock()
	s.defaults = next
	s.mu.Unlock()

	s.log.Info("global detector setting updated",
		logger.String(kind, value),
		logger.Int("workers", len(workers)),
		logger.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Defaults returns the detector configuration applied to new workers.
func (s *Supervisor) Defaults() detection.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Status reports every camera with its live running state.
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	entries := make([]entry, 0, len(s.cameras))
	for _, e := range s.cameras {
		entries = append(entries, entry{cfg: e.cfg, worker: e.worker})
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		st := Status{
			ID:           e.cfg.ID,
			ZoneID:       e.cfg.ZoneID,
			ZoneName:     e.cfg.ZoneName,
			Source:       redactDescriptor(e.cfg.Source),
			ActiveSource: redactDescriptor(e.worker.ActiveSource()),
			Enabled:      e.cfg.Enabled,
			Running:      e.worker.Running(),
			Detector:     e.worker.DetectorConfig(),
		}
		if err := e.worker.LastError(); err != nil {
			st.LastError = err.Error()
		}
		if r, ok := e.worker.Latest(); ok {
			ts := r.Timestamp
			st.LastFrameAt = &ts
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Camera returns a copy of a camera's configuration.
func (s *Supervisor) Camera(id string) (CameraConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cameras[id]
	if !ok {
		return CameraConfig{}, false
	}
	return e.cfg.clone(), true
}

// Zones returns the zones ordered by id.
func (s *Supervisor) Zones() []Zone {
	s.mu.RLock()
	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		c := *z
		c.ROI = z.ROI.Clone()
		out = append(out, c)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Zone) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Subscribe hands out a camera's result stream to its single consumer.
func (s *Supervisor) Subscribe(id string) (<-chan Result, func(), error) {
	s.mu.RLock()
	e, ok := s.cameras[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, notFound(id)
	}
	return e.worker.Results()
}

// Latest returns a camera's most recent result.
func (s *Supervisor) Latest(id string) (Result, bool) {
	s.mu.RLock()
	e, ok := s.cameras[id]
	s.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return e.worker.Latest()
}

// Restore adds the cameras saved in the store that are not registered yet.
// Start failures are logged, not returned.
func (s *Supervisor) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	saved, err := s.store.LoadCameras(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range saved {
		if _, ok := s.Camera(cfg.ID); ok {
			continue
		}
		if err := s.Add(ctx, cfg); err != nil {
			s.log.Warn("restored camera did not start",
				logger.String("camera_id", cfg.ID),
				logger.Error(err))
		}
	}
	return nil
}

// Stop stops every worker in parallel and clears all bookkeeping.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	entries := s.cameras
	s.cameras = make(map[string]*entry)
	s.zones = make(map[string]*Zone)
	s.mu.Unlock()
	s.failures.Flush()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			e.worker.Stop()
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("camera supervisor stopped", logger.Int("workers", len(entries)))
}

func notFound(id string) error {
	return errors.New(ErrCameraNotFound).
		Component("camera").
		Context("camera_id", id).
		Build()
}
