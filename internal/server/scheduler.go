package server

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/green-horizon/internal/engine"
)

func (s *Server) schedule(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunImmediately {
		s.Tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one cycle unless another is still running, in which case the
// tick is dropped and ran is false. Cycle failures are logged and never
// stop the scheduler.
func (s *Server) Tick(ctx context.Context) (res *engine.CycleResult, ran bool) {
	if !s.cycleMu.TryLock() {
		s.logger.Warn("previous cycle still running, skipping tick")
		if s.metrics != nil {
			s.metrics.SkippedTicks.Inc()
		}
		return nil, false
	}
	defer s.cycleMu.Unlock()

	res, err := s.engine.RunCycle(ctx)
	if err != nil {
		s.logger.Error("cycle failed", "error", err)
	}

	if res != nil {
		s.record(res)
	}
	return res, true
}

func (s *Server) record(res *engine.CycleResult) {
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if res.Status == engine.StatusFailed {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}
