// Package httpapi serves the stockvision REST API, the workflow event stream
// (SSE) and per-camera frame streams (websocket) with echo.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/datastore"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
	"github.com/tphakala/stockvision/internal/tracking"
	"github.com/tphakala/stockvision/internal/validation"
)

// Cameras is the camera supervisor surface used by the API.
type Cameras interface {
	Add(ctx context.Context, cfg camera.CameraConfig) error
	Remove(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateROI(ctx context.Context, id string, roi detection.Polygon) error
	UpdateGlobalModel(model string) error
	UpdateGlobalTracker(tracker string) error
	UpdateGlobalSegmenter(segmenter string) error
	Defaults() detection.Config
	Status() []camera.Status
	Zones() []camera.Zone
	Subscribe(id string) (<-chan camera.Result, func(), error)
}

// Validations is the validation workflow surface used by the API.
type Validations interface {
	Pending() []validation.Request
	History(limit int) []validation.Request
	Get(id string) (validation.Request, bool)
	Approve(ctx context.Context, id, adminID string) (validation.Request, error)
	Reject(ctx context.Context, id, adminID, reason string) (validation.Request, error)
	ValidatedStock() map[string]int
	Summary() tracking.Summary
}

// Trackings is the tracking engine surface used by the API.
type Trackings interface {
	Trackings() []tracking.Tracking
	Search(query string) []tracking.SearchResult
}

// Events is where SSE clients subscribe for workflow events.
type Events interface {
	Subscribe(s notification.Subscriber)
	Unsubscribe(id string) bool
}

// RequestLister reads persisted validation requests.
type RequestLister interface {
	ListRequests(ctx context.Context, f datastore.RequestFilter) ([]validation.Request, error)
}

// Dependencies are the services behind the API. Cameras, Validations,
// Trackings, Events and Tunables are required.
type Dependencies struct {
	Cameras     Cameras
	Validations Validations
	Trackings   Trackings
	Events      Events
	Tunables    *conf.Tunables
	// TunablesPath is the config file tunable changes are saved to; empty
	// keeps changes in memory.
	TunablesPath string
	// Requests serves validation history from the datastore when set,
	// otherwise history comes from the workflow's memory.
	Requests RequestLister
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func (d *Dependencies) validate() error {
	if d.Cameras == nil || d.Validations == nil || d.Trackings == nil || d.Events == nil || d.Tunables == nil {
		return errors.Newf("http api requires cameras, validations, trackings, events and tunables").
			Component("httpapi").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// Config configures the HTTP server.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       string
	// HeartbeatInterval is the SSE keep-alive period.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Listen:            ":8080",
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		BodyLimit:         "1M",
		HeartbeatInterval: 30 * time.Second,
	}
}

// ConfigFromSettings applies web server settings over the defaults.
func ConfigFromSettings(s conf.WebServerSettings) Config {
	cfg := DefaultConfig()
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	return cfg
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	deps      Dependencies
	echo      *echo.Echo
	log       logger.Logger
	startTime time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds the server and registers its routes. It does not listen.
func New(cfg Config, deps Dependencies, opts ...Option) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = def.BodyLimit
	}

	s := &Server{
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log, "httpapi")

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.httpErrorHandler
	// Streams are long-lived, so only reads are bounded.
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.IdleTimeout = cfg.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(requestLogger(s.log))
	s.echo.Use(echomw.BodyLimit(s.config.BodyLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	api.GET("/system", s.getSystem)

	api.GET("/cameras", s.listCameras)
	api.POST("/cameras", s.addCamera)
	api.DELETE("/cameras/:id", s.removeCamera)
	api.PUT("/cameras/:id/roi", s.updateROI)
	api.PUT("/cameras/:id/enabled", s.setEnabled)
	api.GET("/cameras/:id/stream", s.streamFrames)
	api.GET("/zones", s.listZones)

	api.GET("/detection", s.getDetection)
	api.PUT("/detection/model", s.updateModel)
	api.PUT("/detection/tracker", s.updateTracker)
	api.PUT("/detection/segmenter", s.updateSegmenter)

	api.GET("/tunables", s.getTunables)
	api.PUT("/tunables", s.updateTunables)

	api.GET("/validations", s.listValidations)
	api.GET("/validations/stock", s.getStock)
	api.GET("/validations/:id", s.getValidation)
	api.POST("/validations/:id/approve", s.approveValidation)
	api.POST("/validations/:id/reject", s.rejectValidation)

	api.GET("/trackings", s.listTrackings)
	api.GET("/trackings/summary", s.getSummary)
	api.GET("/trackings/search", s.searchTrackings)

	api.GET("/events", s.streamEvents)

	if s.deps.Metrics != nil {
		api.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
}

// ServeHTTP lets the server be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
		errCh <- s.echo.Start(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component("httpapi").
				Category(errors.CategoryNetwork).
				Context("address", s.config.Listen).
				Build()
		}
		return nil
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("httpapi").
			Category(errors.CategoryNetwork).
			Build()
	}
	s.log.Info("server shutdown complete")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// requestLogger logs one line per request through the module logger.
func requestLogger(log logger.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}
