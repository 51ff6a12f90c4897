// Package httpapi provides the HTTP API for relayd.
package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/relayd/internal/cancelbus"
	"github.com/fyrsmithlabs/relayd/internal/config"
	"github.com/fyrsmithlabs/relayd/internal/contextview"
	"github.com/fyrsmithlabs/relayd/internal/dispatch"
	"github.com/fyrsmithlabs/relayd/internal/gate"
	"github.com/fyrsmithlabs/relayd/internal/intent"
	"github.com/fyrsmithlabs/relayd/internal/logging"
	"github.com/fyrsmithlabs/relayd/internal/store"
)

// Server provides HTTP endpoints for relayd.
type Server struct {
	echo        *echo.Echo
	coordinator *gate.Coordinator
	intents     *intent.Cache
	bus         *cancelbus.Bus
	store       store.Store
	views       *contextview.Service
	registry    *dispatch.Registry
	validate    *validator.Validate
	logger      *logging.Logger
	config      *config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	coordinator *gate.Coordinator,
	intents *intent.Cache,
	bus *cancelbus.Bus,
	st store.Store,
	views *contextview.Service,
	registry *dispatch.Registry,
	logger *logging.Logger,
) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if intents == nil {
		return nil, fmt.Errorf("intent cache cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("cancel bus cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if views == nil {
		return nil, fmt.Errorf("context view service cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("dispatch registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &config.ServerConfig{
			Host: "localhost",
			Port: 8820,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)

			return err
		}
	})

	metrics := NewHTTPMetrics(logger.Underlying())
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:        e,
		coordinator: coordinator,
		intents:     intents,
		bus:         bus,
		store:       st,
		views:       views,
		registry:    registry,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.Named("http"),
		config:      cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and Prometheus metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	// Durable tool calls
	v1.POST("/tool-calls", s.handleSubmit)
	v1.GET("/tool-calls/:id", s.handleGetToolCall)
	v1.PATCH("/tool-calls/:id", s.handleModifyToolCall)
	v1.POST("/tool-calls/:id/cancel", s.handleCancel)

	// Pre-confirmation drafts
	v1.POST("/intents", s.handleIntentRequest)
	v1.GET("/intents/:id", s.handleIntentGet)
	v1.PATCH("/intents/:id", s.handleIntentModify)
	v1.POST("/intents/:id/confirm", s.handleIntentConfirm)
	v1.DELETE("/intents/:id", s.handleIntentCancel)

	// Session context
	v1.GET("/sessions/:session_id/context", s.handleSessionContext)
	v1.DELETE("/sessions/:session_id", s.handleSessionEnd)

	// Registered tools
	v1.GET("/tools", s.handleListTools)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
