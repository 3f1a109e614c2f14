package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/beaconwatch/beaconwatch/internal/analytics"
	"github.com/beaconwatch/beaconwatch/internal/datastore"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/ingest"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/observability"
	"github.com/beaconwatch/beaconwatch/internal/tracker"
)

// ReaderStatus reports telemetry link activity
type ReaderStatus interface {
	Stats() ingest.Stats
}

// ResolutionLog lists recorded resolutions
type ResolutionLog interface {
	Resolutions(limit int) ([]datastore.Resolution, error)
	ResolutionsFor(entityID int) ([]datastore.Resolution, error)
}

// Server is the HTTP front end of a Tracker
type Server struct {
	cfg         Config
	echo        *echo.Echo
	tracker     *tracker.Tracker
	reader      ReaderStatus
	resolutions ResolutionLog
	metrics     *observability.Metrics
	station     *analytics.Location
	log         logger.Logger

	cache    *cache.Cache // nil when caching is disabled
	upgrader websocket.Upgrader

	// ctx is cancelled by Close so streaming handlers return before the server shuts down
	ctx        context.Context
	cancel     context.CancelFunc
	invalidate func()
	closeOnce  sync.Once
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithReader exposes telemetry link statistics on /api/v1/reader.
func WithReader(r ReaderStatus) Option {
	return func(s *Server) { s.reader = r }
}

// WithResolutionLog exposes the resolution log on /api/v1/resolutions.
func WithResolutionLog(l ResolutionLog) Option {
	return func(s *Server) { s.resolutions = l }
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStation sets the reference point for coverage analytics.
func WithStation(loc analytics.Location) Option {
	return func(s *Server) { s.station = &loc }
}

// New creates a server for t and registers every route. Close releases the cache
// subscription and ends open streams.
func New(cfg Config, t *tracker.Tracker, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg.withDefaults(),
		tracker: t,
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced by the CORS middleware
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("api")
	}

	if s.cfg.CacheTTL > 0 {
		s.cache = cache.New(s.cfg.CacheTTL, 2*s.cfg.CacheTTL)
		// any committed change makes derived views stale
		unsubscribe, err := t.Subscribe("api-cache", func(context.Context, notify.Event) error {
			s.cache.Flush()
			return nil
		})
		if err != nil {
			s.log.Debug("cache invalidation disabled, relying on TTL", logger.Error(err))
		} else {
			s.invalidate = unsubscribe
		}
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.IdleTimeout = s.cfg.IdleTimeout

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(newRequestLogger(s.log, skipMetricsPath))
	if s.metrics != nil {
		s.echo.Use(metricsMiddleware(s.metrics))
	}
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.AllowedOrigins,
	}))
	s.echo.Use(middleware.BodyLimit(s.cfg.BodyLimit))

	s.initRoutes()
	return s
}

// Handler returns the root handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Listen)
	}()
	s.log.Info("HTTP server listening", logger.String("listen", s.cfg.Listen))

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategoryHTTP).
			Context("listen", s.cfg.Listen).
			Build()
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryHTTP).
			Context("operation", "shutdown").
			Build()
	}
	<-errCh
	s.log.Info("HTTP server stopped")
	return nil
}

// Close ends open streams and drops the cache subscription. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.invalidate != nil {
			s.invalidate()
		}
	})
}

// cached returns the value stored under key, computing and storing it on a miss.
// A value is not stored when a change was committed while it was computed, since the
// flush for that change may already have run.
func (s *Server) cached(key string, compute func() any) any {
	if s.cache == nil {
		return compute()
	}
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	seq := s.tracker.LastSeq()
	v := compute()
	if s.tracker.LastSeq() == seq {
		s.cache.SetDefault(key, v)
	}
	return v
}

func (s *Server) initRoutes() {
	if s.metrics != nil {
		s.echo.GET(metricsPath, echo.WrapHandler(s.metrics.Handler()))
	}

	g := s.echo.Group("/api/v1")

	g.GET("/entities", s.listEntities)
	g.GET("/entities/:id", s.getEntity)
	g.GET("/entities/:id/priority", s.getPriority)
	g.GET("/entities/:id/resolutions", s.entityResolutions)
	g.POST("/entities/:id/in-progress", s.markInProgress)
	g.POST("/entities/:id/resolve", s.resolve)
	g.POST("/entities/:id/notes", s.addNote)
	g.POST("/telemetry", s.postTelemetry)

	g.GET("/statistics", s.getStatistics)
	g.GET("/priorities", s.getPriorities)
	g.GET("/clusters", s.getClusters)
	g.GET("/analytics", s.getAnalytics)
	g.GET("/reader", s.getReader)
	g.GET("/resolutions", s.listResolutions)

	g.GET("/events", s.streamEvents)
	g.GET("/ws", s.streamWebSocket)
}

// openStream counts a long-lived connection and returns the matching close
func (s *Server) openStream(kind string) func() {
	if s.metrics == nil {
		return func() {}
	}
	s.metrics.HTTP.StreamOpened(kind)
	return func() { s.metrics.HTTP.StreamClosed(kind) }
}

func (s *Server) streamMessage(kind string) {
	if s.metrics != nil {
		s.metrics.HTTP.StreamMessage(kind)
	}
}
