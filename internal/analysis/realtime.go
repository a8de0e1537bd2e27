// Package analysis runs the realtime stock-vision pipeline: camera workers
// feed detections into the tracking engine, stable presences become
// validation requests, and events fan out to SSE, MQTT and push subscribers.
package analysis

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/datastore"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/httpapi"
	"github.com/tphakala/stockvision/internal/httpclient"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/mqtt"
	"github.com/tphakala/stockvision/internal/notification"
	"github.com/tphakala/stockvision/internal/observability"
	"github.com/tphakala/stockvision/internal/tracking"
	"github.com/tphakala/stockvision/internal/validation"
)

// Service holds the running pipeline.
type Service struct {
	Settings    *conf.Settings
	Tunables    *conf.Tunables
	Metrics     *observability.Metrics
	Store       *datastore.Store
	Broadcaster *notification.Broadcaster
	Engine      *tracking.Engine
	Workflow    *validation.Workflow
	Supervisor  *camera.Supervisor
	Scheduler   *validation.AlertScheduler
	Server      *httpapi.Server // nil when the web server is disabled

	log logger.Logger
}

// Options adjust how the pipeline is built.
type Options struct {
	// Opener overrides the ffmpeg frame source.
	Opener camera.Opener
	// Factory overrides the HTTP inference detector.
	Factory detection.Factory
	// Logger overrides the module logger.
	Logger logger.Logger
}

// RealtimeAnalysis builds the pipeline from settings and runs it until ctx is
// cancelled.
func RealtimeAnalysis(ctx context.Context, settings *conf.Settings) error {
	svc, err := New(ctx, settings, Options{})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// New wires every component. On error everything built so far is released.
func New(ctx context.Context, settings *conf.Settings, opts Options) (svc *Service, err error) {
	log := logger.OrDefault(opts.Logger, "analysis")
	svc = &Service{Settings: settings, log: log}
	defer func() {
		if err != nil {
			svc.close()
			svc = nil
		}
	}()

	if settings.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: settings.Sentry.DSN}); err != nil {
			return nil, errors.New(err).
				Component("analysis").
				Category(errors.CategoryConfiguration).
				Context("operation", "sentry_init").
				Build()
		}
		errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	}

	svc.Tunables = conf.NewTunables(settings.Tracking)
	if svc.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}

	svc.Store, err = datastore.Open(settings.Datastore,
		datastore.WithMetrics(svc.Metrics.Datastore),
		datastore.WithLogger(log.Module("datastore")))
	if err != nil {
		return nil, err
	}

	svc.Broadcaster = notification.NewBroadcaster(
		notification.WithMetrics(svc.Metrics.Notification),
		notification.WithLogger(log.Module("notification")))
	if err := svc.subscribeOutputs(ctx); err != nil {
		return nil, err
	}

	svc.Engine = tracking.NewEngine(svc.Tunables, tracking.NewStockLedger(),
		tracking.WithMetrics(svc.Metrics.Tracking),
		tracking.WithLogger(log.Module("tracking")))
	svc.Workflow = validation.NewWorkflow(svc.Engine, svc.Store, svc.Broadcaster, svc.Tunables,
		validation.WithMetrics(svc.Metrics.Validation),
		validation.WithLogger(log.Module("validation")))
	if err := svc.Workflow.LoadStock(ctx, svc.Store); err != nil {
		return nil, err
	}

	opener, factory := opts.Opener, opts.Factory
	if opener == nil {
		opener = &camera.FFmpegOpener{
			Path: settings.Worker.FFmpegPath,
			Log:  log.Module("camera"),
		}
	}
	if factory == nil {
		client := httpclient.New(&httpclient.Config{DefaultTimeout: settings.Detection.Timeout})
		factory = detection.HTTPFactory(settings.Detection.Endpoint, client)
	}
	svc.Supervisor, err = camera.NewSupervisor(supervisorConfig(settings), opener, factory, svc.Workflow, svc.Tunables,
		camera.WithCameraStore(svc.Store),
		camera.WithSupervisorMetrics(svc.Metrics.Camera),
		camera.WithSupervisorLogger(log.Module("camera")))
	if err != nil {
		return nil, err
	}

	svc.Scheduler = validation.NewAlertScheduler(svc.Workflow, settings.Alerts.CheckInterval,
		validation.PublishAlerts(svc.Broadcaster))

	if settings.WebServer.Enabled {
		deps := httpapi.Dependencies{
			Cameras:      svc.Supervisor,
			Validations:  svc.Workflow,
			Trackings:    svc.Engine,
			Events:       svc.Broadcaster,
			Tunables:     svc.Tunables,
			TunablesPath: settings.ConfigFile,
			Requests:     svc.Store,
		}
		if settings.Metrics.Enabled {
			deps.Metrics = svc.Metrics.Handler()
		}
		svc.Server, err = httpapi.New(httpapi.ConfigFromSettings(settings.WebServer), deps,
			httpapi.WithLogger(log.Module("httpapi")))
		if err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// subscribeOutputs registers the MQTT and push subscribers. An unreachable
// broker at startup is retried in the background.
func (s *Service) subscribeOutputs(ctx context.Context) error {
	settings := s.Settings
	if settings.MQTT.Enabled {
		cfg := mqtt.ConfigFromSettings(settings.MQTT)
		client, err := mqtt.NewClient(cfg, s.Metrics.MQTT, s.log.Module("mqtt"))
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			s.log.Warn("MQTT broker unreachable, retrying in background",
				logger.String("broker", cfg.Broker),
				logger.Error(err))
			if bc, ok := client.(mqtt.BackgroundConnector); ok {
				bc.ConnectInBackground()
			}
		}
		s.Broadcaster.Subscribe(mqtt.NewPublisher(client, cfg.Topic, s.log.Module("mqtt")))
	}

	if settings.Push.Enabled {
		push, err := notification.NewPushSubscriber(settings.Push.URLs, settings.Push.Timeout, nil, s.log.Module("notification"))
		if err != nil {
			return err
		}
		s.Broadcaster.Subscribe(push)
	}
	return nil
}

func supervisorConfig(settings *conf.Settings) camera.SupervisorConfig {
	w := settings.Worker
	return camera.SupervisorConfig{
		Worker: camera.WorkerConfig{
			Fallbacks:      w.FallbackSources,
			MaxFPS:         w.MaxFPS,
			BufferSize:     w.BufferSize,
			StopTimeout:    w.StopTimeout,
			BackoffInitial: w.Backoff.Initial,
			BackoffMax:     w.Backoff.Max,
			Classes:        settings.Detection.Classes,
		},
		Detector: detection.Config{
			Model:     settings.Detection.Model,
			Tracker:   settings.Detection.Tracker,
			Segmenter: settings.Detection.Segmenter,
		},
	}
}

// startCameras restores cameras saved at runtime, then adds the configured
// ones not already present. Cameras that fail to start stay registered.
func (s *Service) startCameras(ctx context.Context) {
	if err := s.Supervisor.Restore(ctx); err != nil {
		s.log.Warn("failed to restore saved cameras", logger.Error(err))
	}
	for _, cs := range s.Settings.Cameras {
		err := s.Supervisor.Add(ctx, camera.FromSettings(cs))
		switch {
		case err == nil:
		case errors.IsCategory(err, errors.CategoryConflict):
			s.log.Debug("configured camera already restored", logger.String("camera_id", cs.ID))
		default:
			s.log.Warn("failed to start camera",
				logger.String("camera_id", cs.ID),
				logger.Error(err))
		}
	}
}

// Run starts cameras, the alert scheduler and the web server, and blocks
// until ctx is cancelled or the web server fails. Everything is stopped and
// released before it returns.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	s.log.Info("starting realtime analysis",
		logger.Int("configured_cameras", len(s.Settings.Cameras)),
		logger.String("detector", s.Supervisor.Defaults().String()),
		logger.Float64("confidence_threshold", s.Tunables.ConfidenceThreshold()),
		logger.Duration("stability_duration", s.Tunables.StabilityDuration()),
		logger.Duration("alert_delay", s.Tunables.AlertDelay()))

	s.startCameras(ctx)
	s.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if s.Server != nil {
		g.Go(func() error { return s.Server.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	s.log.Info("shutting down realtime analysis")
	return err
}

// close stops and releases whatever was built, in reverse order.
func (s *Service) close() {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.Supervisor != nil {
		s.Supervisor.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.log.Warn("failed to close datastore", logger.Error(err))
		}
	}
	if s.Settings != nil && s.Settings.Sentry.Enabled {
		sentry.Flush(2 * time.Second)
	}
}
