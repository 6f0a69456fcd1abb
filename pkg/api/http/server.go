package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/taskloop/internal/application/workers"
	"github.com/aescanero/taskloop/internal/application/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	router *gin.Engine
	v1     *gin.RouterGroup
	server *http.Server
	driver *workflow.Driver
	health *workers.HealthMonitor
	logger *zap.Logger

	// background runs started with ?async=true
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
	runsMu    sync.Mutex
	closed    bool
}

// Config holds HTTP server configuration
type Config struct {
	Port   int
	Driver *workflow.Driver
	Logger *zap.Logger

	// Gatherer serves /metrics; defaults to prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// PoolHealth is reported by /health when set
	PoolHealth *workers.HealthMonitor

	// APIKey protects /api/v1 when set
	APIKey string
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    router,
		driver:    cfg.Driver,
		health:    cfg.PoolHealth,
		logger:    cfg.Logger,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	s.setupRoutes(gatherer, cfg.APIKey)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer, apiKey string) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1
	v1 := s.router.Group("/api/v1", apiKeyMiddleware(apiKey))
	s.v1 = v1
	{
		// Agent endpoints
		v1.POST("/agents", s.handleCreateAgent)
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.POST("/agents/:id/messages", s.handleSendMessage)
		v1.GET("/agents/:id/task", s.handleGetMainTask)
		v1.GET("/agents/:id/rules", s.handleListRules)
		v1.POST("/agents/:id/cancel", s.handleCancelMainTask)

		// Workflow endpoints
		v1.POST("/workflow/run", s.handleRunWorkflow)
	}
}

// SetupWebSocket adds the event stream handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleAgentStream(*gin.Context)
}) {
	s.v1.GET("/agents/:id/ws", handler.HandleAgentStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server and interrupts background runs
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.runsMu.Lock()
	s.closed = true
	s.runsMu.Unlock()

	s.cancelRun()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for background runs")
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// beginRun registers a background run. It reports false once shutdown has
// started.
func (s *Server) beginRun() bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if s.closed {
		return false
	}
	s.runs.Add(1)
	return true
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
