package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/acquisition"
	"github.com/shelfstream/shelfstream/internal/api/ratelimit"
	"github.com/shelfstream/shelfstream/internal/config"
	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/logger"
	"github.com/shelfstream/shelfstream/internal/requests"
	"github.com/shelfstream/shelfstream/internal/scheduler"
	"github.com/shelfstream/shelfstream/internal/settings"
	"github.com/shelfstream/shelfstream/internal/websocket"
)

// Deps are the services the API exposes. Indexers may be nil when no
// gateway is configured.
type Deps struct {
	Orchestrator *acquisition.Orchestrator
	Requests     *requests.Store
	Settings     *settings.Store
	Router       *downloader.Router
	Scheduler    *scheduler.Scheduler
	Hub          *websocket.Hub
	Indexers     indexer.Lister
	Logs         *logger.LogBroadcaster
	Health       *health.Service
}

// Config tunes the HTTP surface.
type Config struct {
	SubmitPerMinute int
	SubmitBurst     int
}

// Server handles HTTP requests for the ShelfStream API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	limiter *ratelimit.SubmitLimiter
	logger  zerolog.Logger
	started time.Time
}

// NewServer creates a new API server instance.
func NewServer(deps Deps, cfg Config, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		limiter: ratelimit.NewSubmitLimiter(cfg.SubmitPerMinute, cfg.SubmitBurst),
		logger:  logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	e.HTTPErrorHandler = s.handleError

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-User-ID"},
	}))

	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "frame-ancestors 'self'",
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)

	reqs := api.Group("/requests")
	reqs.POST("", s.createRequest, s.limiter.Middleware())
	reqs.GET("", s.listRequests)
	reqs.GET("/:id", s.getRequest)
	reqs.POST("/:id/approve", s.approveRequest)
	reqs.POST("/:id/search", s.searchRequest)
	reqs.POST("/:id/import", s.reportImport)
	reqs.DELETE("/:id", s.cancelRequest)

	api.DELETE("/admin/requests/:id", s.deleteRequest)

	api.GET("/search", s.previewSearch)

	cfg := api.Group("/settings")
	cfg.GET("/indexers", s.listIndexers)
	cfg.PUT("/indexers/:id", s.updateIndexer)
	cfg.POST("/indexers/sync", s.syncIndexers)
	cfg.GET("/flags", s.listFlags)
	cfg.POST("/flags", s.setFlag)
	cfg.DELETE("/flags/:name", s.deleteFlag)
	cfg.PUT("/backends/:protocol", s.saveBackend)
	cfg.POST("/backends/:protocol/test", s.testBackend)

	sys := api.Group("/system")
	sys.GET("/tasks", s.listTasks)
	sys.POST("/tasks/:id/run", s.runTask)
	sys.GET("/logs", s.recentLogs)
	sys.GET("/health", s.systemHealth)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Limiter returns the submission limiter so its cleanup can be scheduled.
func (s *Server) Limiter() *ratelimit.SubmitLimiter {
	return s.limiter
}

// errorResponse is the body of every failed call.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}

	switch {
	case errors.Is(err, requests.ErrRequestNotFound),
		errors.Is(err, requests.ErrJobNotFound),
		errors.Is(err, settings.ErrIndexerNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, requests.ErrAlreadyRequested),
		errors.Is(err, acquisition.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, requests.ErrInvalidAudiobook),
		errors.Is(err, settings.ErrInvalidPriority),
		errors.Is(err, settings.ErrInvalidModifier),
		errors.Is(err, settings.ErrInvalidFlag),
		errors.Is(err, settings.ErrInvalidBackend),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}

	var se *acquisition.StageError
	if errors.As(err, &se) && se.Kind == acquisition.KindConfiguration {
		return http.StatusConflict
	}
	if downloader.IsConfigurationError(err) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// handleError renders every error as {"error": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	message := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Unhandled API error")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: message})
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write error response")
	}
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	resp := map[string]interface{}{
		"version":   config.Version,
		"startTime": s.started.UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Hub != nil {
		resp["websocketClients"] = s.deps.Hub.ClientCount()
	}
	return c.JSON(http.StatusOK, resp)
}
