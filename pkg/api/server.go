// Package api exposes the HTTP surface: the query endpoint in front of the
// pipeline, feedback and compliance endpoints, health, and Prometheus
// metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/services"
)

// QueryHandler runs one query through the pipeline. Satisfied by
// pipeline.Orchestrator.
type QueryHandler interface {
	Handle(ctx context.Context, query models.Query) *models.Response
}

// Pinger reports persistence health. Satisfied by storage.Client; nil means
// the deployment runs without a database (file sinks only).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the pipeline.
type Server struct {
	orchestrator QueryHandler
	feedback     *services.FeedbackService
	deletion     *services.DeletionService
	db           Pinger
	metrics      *metrics.Metrics
	logger       *slog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP layer. deletion and db may be nil when the
// deployment does not carry those surfaces.
func NewServer(orchestrator QueryHandler, feedback *services.FeedbackService, deletion *services.DeletionService, db Pinger, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator: orchestrator,
		feedback:     feedback,
		deletion:     deletion,
		db:           db,
		metrics:      m,
		logger:       logger,
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLogger(), s.recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	v1.POST("/query", s.handleQuery)
	v1.POST("/feedback", s.handleFeedback)
	if s.deletion != nil {
		v1.DELETE("/tenants/:tenant_id/users/:user_id/data", s.handleDeletion)
	}

	return r
}

// Start begins serving on the given port and blocks until the listener
// stops. Use Shutdown for graceful termination.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "port", port)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
