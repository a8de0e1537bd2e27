package validation

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
)

// DefaultAlertCheckInterval is how often the scheduler checks for overdue requests.
const DefaultAlertCheckInterval = time.Minute

// AlertSink receives overdue requests.
type AlertSink interface {
	HandleAlerts(ctx context.Context, alerts []Request)
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, alerts []Request)

func (f AlertSinkFunc) HandleAlerts(ctx context.Context, alerts []Request) { f(ctx, alerts) }

// PublishAlerts returns a sink broadcasting one VALIDATION_ALERT event per
// overdue request.
func PublishAlerts(p Publisher) AlertSink {
	return AlertSinkFunc(func(ctx context.Context, alerts []Request) {
		for i := range alerts {
			r := &alerts[i]
			age := r.AlertSentAt.Sub(r.CreatedAt)
			p.Broadcast(ctx, notification.NewEvent(notification.EventValidationAlert, alertMessage(r, age), *r))
		}
	})
}

// AlertScheduler calls Workflow.CheckAlerts periodically and hands the
// results to its sinks.
type AlertScheduler struct {
	workflow *Workflow
	interval time.Duration
	sinks    []AlertSink
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAlertScheduler creates a scheduler. A non-positive interval selects
// DefaultAlertCheckInterval.
func NewAlertScheduler(w *Workflow, interval time.Duration, sinks ...AlertSink) *AlertScheduler {
	if interval <= 0 {
		interval = DefaultAlertCheckInterval
	}
	return &AlertScheduler{
		workflow: w,
		interval: interval,
		sinks:    sinks,
		log:      w.log.Module("alerts"),
		now:      w.now,
	}
}

// Start launches the check loop. Calling Start on a running scheduler is a no-op.
func (s *AlertScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.log.Info("alert scheduler started", logger.Duration("interval", s.interval))
}

// Stop ends the loop and waits for it to exit. It is safe to call more than once.
func (s *AlertScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("alert scheduler stopped")
}

func (s *AlertScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single check and returns the alerts raised.
func (s *AlertScheduler) RunOnce(ctx context.Context) []Request {
	alerts := s.workflow.CheckAlerts(ctx, s.now())
	if len(alerts) == 0 {
		return nil
	}
	for i := range alerts {
		s.log.Warn("validation request awaiting decision",
			logger.String("request_id", alerts[i].ID),
			logger.String("object_type", alerts[i].ObjectType),
			logger.Time("created_at", alerts[i].CreatedAt))
	}
	for _, sink := range s.sinks {
		sink.HandleAlerts(ctx, alerts)
	}
	return alerts
}
