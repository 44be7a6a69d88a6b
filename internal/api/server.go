// Package api exposes the case service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/metrics"
	"github.com/dmiyatamd-byte/height-riona-app/internal/middleware"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// maxUploadBytes bounds import uploads.
const maxUploadBytes = 32 << 20

// HealthFunc reports per-backend status.
type HealthFunc func(ctx context.Context) (map[string]string, error)

// Server represents the HTTP server
type Server struct {
	config   domain.ServerConfig
	svc      *service.CaseService
	logger   *logrus.Logger
	metrics  *metrics.Manager
	registry *prometheus.Registry
	health   HealthFunc
	router   *gin.Engine
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments requests and serves /metrics from reg.
func WithMetrics(m *metrics.Manager, reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = m
		s.registry = reg
	}
}

// WithHealth sets the backend checks behind /health.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, svc *service.CaseService, logger *logrus.Logger, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		svc:    svc,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())
	router.Use(middleware.Metrics(s.metrics))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateBurst))
	router.Use(middleware.RequestTimeout(cfg.WriteTimeout))
	router.MaxMultipartMemory = maxUploadBytes

	s.router = router
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/cases", s.handleRegisterCase)
		v1.GET("/cases", s.handleListCases)
		v1.GET("/cases/:id", s.handleGetCase)
		v1.DELETE("/cases/:id", s.handleDeleteCase)
		v1.PUT("/cases/:id/context", s.handleUpdateContext)
		v1.POST("/cases/:id/simulate", s.handleSimulate)
		v1.PUT("/cases/:id/external-id", s.handleSetExternalID)
		v1.GET("/cases/:id/explain/:horizon", s.handleExplain)
		v1.POST("/cases/:id/followups", s.handleAddFollowup)
		v1.GET("/cases/:id/followups/:horizon", s.handleGetFollowup)

		v1.GET("/resolve/:identifier", s.handleResolve)
		v1.GET("/counts", s.handleCounts)

		v1.GET("/models", s.handleModelStatus)
		v1.GET("/models/:horizon/history", s.handleModelHistory)
		v1.POST("/models/:horizon/train", s.handleTrain)

		v1.GET("/templates/:kind", s.handleTemplate)
		v1.POST("/import/baselines", s.handleImportBaselines)
		v1.POST("/import/followups", s.handleImportFollowups)
		v1.GET("/export", s.handleExport)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}
	if s.health == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	checks, err := s.health(c.Request.Context())
	body["checks"] = checks
	if err != nil {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// respondError maps service errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeInvalidInput:
		status = http.StatusBadRequest
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeConflict:
		status = http.StatusConflict
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "internal error"
	}
	c.JSON(status, domain.NewAPIError(code, message, "", c.GetString(middleware.CorrelationIDKey)))
}

func (s *Server) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, domain.NewAPIError(
		domain.CodeInvalidInput, message, "", c.GetString(middleware.CorrelationIDKey)))
}
