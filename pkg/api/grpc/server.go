package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aescanero/taskloop/internal/application/workers"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the orchestrator
const ServiceName = "taskloop.Orchestrator"

// Server represents the gRPC API server
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	pool     *workers.HealthMonitor
	interval time.Duration
	stopCh   chan struct{}
	logger   *zap.Logger
}

// Config holds gRPC server configuration
type Config struct {
	Port   int
	Logger *zap.Logger

	// PoolHealth drives the serving status when set
	PoolHealth *workers.HealthMonitor

	// SyncInterval is how often serving status follows the pool; defaults to 5s
	SyncInterval time.Duration
}

// NewServer creates a new gRPC server
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	return newServer(cfg, listener), nil
}

func newServer(cfg *Config, listener net.Listener) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		pool:     cfg.PoolHealth,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   cfg.Logger,
	}
	s.syncStatus()
	return s
}

// Addr returns the listen address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	go s.watchPool()

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	close(s.stopCh)
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}

func (s *Server) watchPool() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.syncStatus()
		case <-s.stopCh:
			return
		}
	}
}

// syncStatus maps worker pool state to the serving status. A saturated pool
// still serves; only a stopped one does not.
func (s *Server) syncStatus() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.pool != nil && s.pool.GetStatus().Stopped {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
