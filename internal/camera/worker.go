package camera

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
	"github.com/tphakala/stockvision/internal/tracking"
	"github.com/tphakala/stockvision/internal/validation"
)

// Worker defaults.
const (
	DefaultMaxFPS         = 20
	DefaultBufferSize     = 2
	DefaultStopTimeout    = 5 * time.Second
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// DefaultFallbackSources are tried when the configured source cannot be opened.
var DefaultFallbackSources = []string{"2", "0", "1"}

// ErrConsumerBusy is returned when the result stream already has a consumer.
var ErrConsumerBusy = errors.Newf("camera results already have a consumer").
	Component("camera").
	Category(errors.CategoryConflict).
	Build()

// Sink receives every detection a worker produces. It returns the tracking
// outcome and the validation request opened as a consequence, if any.
type Sink interface {
	Observe(ctx context.Context, ev detection.Event) (tracking.Outcome, *validation.Request)
}

// Thresholds supplies the current confidence threshold passed to the detector.
type Thresholds interface {
	ConfidenceThreshold() float64
}

// Result is one processed frame.
type Result struct {
	CameraID   string                `json:"cameraId"`
	Seq        uint64                `json:"seq"`
	Timestamp  time.Time             `json:"timestamp"`
	Frame      []byte                `json:"-"`
	Detections []detection.Detection `json:"detections"`
	Requests   []validation.Request  `json:"requests,omitempty"`
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	CameraID       string
	Source         string
	Fallbacks      []string
	FPS            float64 // requested rate, capped at MaxFPS
	MaxFPS         float64
	BufferSize     int // 1 or 2
	StopTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Classes        []string
}

func (c *WorkerConfig) applyDefaults() {
	if c.MaxFPS <= 0 {
		c.MaxFPS = DefaultMaxFPS
	}
	if c.FPS <= 0 || c.FPS > c.MaxFPS {
		c.FPS = c.MaxFPS
	}
	if c.BufferSize < 1 || c.BufferSize > 2 {
		c.BufferSize = DefaultBufferSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffInitial)
	}
}

// installedDetector pairs a detector with the configuration it was built for.
type installedDetector struct {
	detector detection.Detector
	config   detection.Config
}

// Worker captures frames from one camera, runs detection on them and feeds
// the detections to a Sink. Results are published to a buffer of capacity 1
// or 2 that drops the oldest entry when full.
type Worker struct {
	cfg        WorkerConfig
	opener     Opener
	sink       Sink
	thresholds Thresholds
	roi        func() detection.Polygon
	metrics    *metrics.CameraMetrics
	log        logger.Logger

	detector atomic.Pointer[installedDetector]
	results  chan Result
	latest   atomic.Pointer[Result]
	consumer atomic.Bool

	mu      sync.Mutex // serializes Start and Stop
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	errMu   sync.Mutex
	lastErr error

	srcMu        sync.Mutex
	src          Source
	activeSource string
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithROI sets the function consulted on every frame for the zone polygon.
func WithROI(roi func() detection.Polygon) WorkerOption {
	return func(w *Worker) { w.roi = roi }
}

// WithWorkerMetrics attaches camera metrics.
func WithWorkerMetrics(m *metrics.CameraMetrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l logger.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// NewWorker creates a stopped worker using det until it is reconfigured.
func NewWorker(cfg WorkerConfig, opener Opener, det detection.Detector, detCfg detection.Config, sink Sink, thresholds Thresholds, opts ...WorkerOption) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:        cfg,
		opener:     opener,
		sink:       sink,
		thresholds: thresholds,
		roi:        func() detection.Polygon { return nil },
		results:    make(chan Result, cfg.BufferSize),
	}
	w.detector.Store(&installedDetector{detector: det, config: detCfg})
	for _, opt := range opts {
		opt(w)
	}
	w.log = logger.OrDefault(w.log, "camera").With(logger.String("camera_id", cfg.CameraID))
	return w
}

// ID returns the camera id.
func (w *Worker) ID() string {
	return w.cfg.CameraID
}

// Running reports whether the capture loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// ActiveSource returns the descriptor currently open, which differs from the
// configured source when a fallback was used.
func (w *Worker) ActiveSource() string {
	w.srcMu.Lock()
	defer w.srcMu.Unlock()
	return w.activeSource
}

// LastError returns the last start or read failure.
func (w *Worker) LastError() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

func (w *Worker) setLastError(err error) {
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
}

// DetectorConfig returns the configuration of the installed detector.
func (w *Worker) DetectorConfig() detection.Config {
	return w.detector.Load().config
}

// Start opens the source, trying the fallbacks when it fails, and launches
// the capture loop. Starting a running worker is a no-op. When no source
// opens, the worker stays stopped and a SourceUnavailable error is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return nil
	}

	src, desc, err := w.openAny(ctx)
	if err != nil {
		w.setLastError(err)
		w.metrics.RecordSourceUnavailable(w.cfg.CameraID)
		w.log.Error("no camera source could be opened", logger.Error(err))
		return err
	}
	w.setSource(src, desc)
	w.setLastError(nil)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)
	w.metrics.WorkerStarted()

	go w.run(loopCtx, w.done)

	w.log.Info("camera worker started",
		logger.String("source", redactDescriptor(desc)),
		logger.String("detector", w.DetectorConfig().String()),
		logger.Float64("fps", w.cfg.FPS))
	return nil
}

// Stop ends the capture loop and releases the source. It waits up to the
// stop timeout; a loop that does not exit by then is abandoned after its
// source is closed. Stop is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.Load() {
		return
	}
	w.cancel()

	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.log.Warn("camera worker did not stop in time, forcing source close",
			logger.Duration("timeout", w.cfg.StopTimeout))
	}
	w.closeSource()
	w.running.Store(false)
	w.metrics.WorkerStopped()
	w.log.Info("camera worker stopped")
}

// Reconfigure builds a detector for cfg with factory and installs it. On
// failure the current detector stays installed.
func (w *Worker) Reconfigure(factory detection.Factory, cfg detection.Config) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	det, err := factory(cfg)
	if err != nil {
		return errors.New(err).
			Component("camera").
			Category(errors.CategoryModelSwitch).
			Context("camera_id", w.cfg.CameraID).
			Context("detector", cfg.String()).
			Build()
	}
	prev := w.detector.Swap(&installedDetector{detector: det, config: cfg})
	w.log.Info("detector switched",
		logger.String("from", prev.config.String()),
		logger.String("to", cfg.String()))
	return nil
}

// Results returns the result stream. Only one consumer may hold it; release
// must be called when done.
func (w *Worker) Results() (<-chan Result, func(), error) {
	if !w.consumer.CompareAndSwap(false, true) {
		return nil, nil, ErrConsumerBusy
	}
	var once sync.Once
	return w.results, func() { once.Do(func() { w.consumer.Store(false) }) }, nil
}

// Latest returns the most recent result without consuming the stream.
func (w *Worker) Latest() (Result, bool) {
	r := w.latest.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

func (w *Worker) openAny(ctx context.Context) (Source, string, error) {
	tried := candidates(w.cfg.Source, w.cfg.Fallbacks)
	var errs []error
	for _, desc := range tried {
		src, err := w.opener.Open(ctx, desc)
		if err == nil {
			if desc != w.cfg.Source {
				w.log.Warn("using fallback source",
					logger.String("configured", redactDescriptor(w.cfg.Source)),
					logger.String("fallback", redactDescriptor(desc)))
			}
			return src, desc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", redactDescriptor(desc), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", sourceUnavailable(w.cfg.CameraID, tried, errors.Join(errs...))
}

func (w *Worker) setSource(src Source, desc string) {
	w.srcMu.Lock()
	defer w.srcMu.Unlock()
	w.src = src
	w.activeSource = desc
}

func (w *Worker) currentSource() Source {
	w.srcMu.Lock()
	defer w.srcMu.Unlock()
	return w.src
}

func (w *Worker) closeSource() {
	w.srcMu.Lock()
	src := w.src
	w.src = nil
	w.srcMu.Unlock()
	if src != nil {
		if err := src.Close(); err != nil {
			w.log.Debug("source close failed", logger.Error(err))
		}
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Limit(w.cfg.FPS), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		src := w.currentSource()
		if src == nil {
			return
		}
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.recordReadError(err)
			if !w.reconnect(ctx) {
				return
			}
			continue
		}
		w.process(ctx, frame)
	}
}

func (w *Worker) recordReadError(err error) {
	w.setLastError(err)
	w.log.Warn("frame read failed, reconnecting", logger.Error(err))
}

// reconnect closes the failed source and retries with exponential backoff
// until a source opens or ctx is done.
func (w *Worker) reconnect(ctx context.Context) bool {
	w.closeSource()
	backoff := w.cfg.BackoffInitial
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		w.metrics.RecordReconnect(w.cfg.CameraID)
		src, desc, err := w.openAny(ctx)
		if err == nil {
			if ctx.Err() != nil {
				_ = src.Close()
				return false
			}
			w.setSource(src, desc)
			w.setLastError(nil)
			w.log.Info("camera source reconnected",
				logger.String("source", redactDescriptor(desc)),
				logger.Int("attempt", attempt))
			return true
		}
		w.setLastError(err)
		w.log.Warn("reconnect failed",
			logger.Int("attempt", attempt),
			logger.Duration("next_backoff", min(backoff*2, w.cfg.BackoffMax)),
			logger.Error(err))
		backoff = min(backoff*2, w.cfg.BackoffMax)
	}
}

// process runs inference on one frame, forwards the detections inside the
// ROI to the sink and publishes the result.
func (w *Worker) process(ctx context.Context, frame detection.Frame) {
	inst := w.detector.Load()
	opts := detection.InferenceOptions{
		Confidence: w.thresholds.ConfidenceThreshold(),
		Classes:    w.cfg.Classes,
	}

	start := time.Now()
	res, err := safeInfer(ctx, inst.detector, frame, opts)
	w.metrics.RecordFrame(w.cfg.CameraID, time.Since(start), err != nil)
	// A loop abandoned by Stop must not touch the sink or the buffer.
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.log.Warn("inference failed, treating frame as empty",
			logger.Uint64("seq", frame.Seq),
			logger.String("detector", inst.config.String()),
			logger.Error(err))
		res = detection.Result{}
	}

	dets := detection.FilterROI(res.Detections, w.roi())
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var requests []validation.Request
	for _, d := range dets {
		if ctx.Err() != nil {
			return
		}
		_, req := w.sink.Observe(ctx, detection.NewEvent(w.cfg.CameraID, d, ts))
		if req != nil {
			requests = append(requests, *req)
		}
	}

	out := Result{
		CameraID:   w.cfg.CameraID,
		Seq:        frame.Seq,
		Timestamp:  ts,
		Frame:      res.Annotated,
		Detections: slices.Clip(dets),
		Requests:   requests,
	}
	if len(out.Frame) == 0 {
		out.Frame = frame.Data
	}
	if ctx.Err() != nil {
		return
	}
	w.publish(out)
}

// safeInfer converts a detector panic into an inference error.
func safeInfer(ctx context.Context, det detection.Detector, frame detection.Frame, opts detection.InferenceOptions) (res detection.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("detector panicked: %v", r).
				Component("camera").
				Category(errors.CategoryInference).
				Context("detector", det.Name()).
				Build()
		}
	}()
	return det.Infer(ctx, frame, opts)
}

// publish stores r as latest and pushes it into the buffer, evicting the
// oldest result when full. The worker is the only producer, so the loop
// terminates.
func (w *Worker) publish(r Result) {
	w.latest.Store(&r)
	for {
		select {
		case w.results <- r:
			return
		default:
		}
		select {
		case <-w.results:
			w.metrics.RecordDrop(w.cfg.CameraID)
		default:
		}
	}
}
