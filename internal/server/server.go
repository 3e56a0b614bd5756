// Package server hosts the long-running engine: it runs decision cycles on
// a fixed interval and serves the ops endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/green-horizon/internal/engine"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "green_horizon.Engine"

// Cycler runs one decision cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*engine.CycleResult, error)
}

// DecisionReader serves the read-only API.
type DecisionReader interface {
	LatestDecision(ctx context.Context) (*store.DecisionRecord, error)
	CountActions(ctx context.Context, since time.Time) (map[string]int64, error)
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger
	Engine Cycler
	// Decisions backs the /api routes. Optional.
	Decisions DecisionReader
	// Interval is the time between cycles.
	Interval time.Duration
	// RunImmediately starts the first cycle without waiting for a tick.
	RunImmediately bool
	// HTTPPort serves /health, /metrics and /api. Zero disables HTTP.
	HTTPPort int
	// GRPCPort serves grpc.health.v1.Health. Zero disables gRPC.
	GRPCPort int
	// Metrics is optional.
	Metrics *metrics.EngineMetrics
	// Closers are closed on shutdown, after the last cycle.
	Closers []io.Closer
}

// Server runs cycles one at a time and exposes their status.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	engine     Cycler
	decisions  DecisionReader
	metrics    *metrics.EngineMetrics
	health     *health.Server
	httpServer *http.Server
	grpcServer *grpc.Server
	cycleMu    sync.Mutex
	wg         sync.WaitGroup

	mu   sync.RWMutex
	last *engine.CycleResult
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be greater than 0")
	}

	if cfg.HTTPPort < 0 || cfg.GRPCPort < 0 {
		return nil, errors.New("ports cannot be negative")
	}

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		logger:    cfg.Logger,
		config:    cfg,
		engine:    cfg.Engine,
		decisions: cfg.Decisions,
		metrics:   cfg.Metrics,
		health:    hs,
	}, nil
}

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server {
	return s.health
}

// LastCycle returns the most recent finished cycle, or nil.
func (s *Server) LastCycle() *engine.CycleResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run starts the scheduler and the ops endpoints and blocks until the
// context is canceled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	errs := make(chan error, 2)

	if s.config.GRPCPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)

		s.logger.Info("starting gRPC health server", "address", addr)
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				errs <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	if s.config.HTTPPort > 0 {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.schedule(ctx)

	s.logger.Info("engine server started",
		"interval", s.config.Interval,
		"http_port", s.config.HTTPPort,
		"grpc_port", s.config.GRPCPort,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case runErr = <-errs:
		s.logger.Error("ops endpoint failed", "error", runErr)
	}

	cancel()
	s.logger.Info("waiting for the running cycle to finish...")
	s.wg.Wait()

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the ops endpoints and closes the configured closers.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down engine server")

	var shutdownErr error

	s.health.Shutdown()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	for _, c := range s.config.Closers {
		if err := c.Close(); err != nil {
			s.logger.Error("failed to close resource", "error", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("engine server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("engine server stopped")
	return nil
}
