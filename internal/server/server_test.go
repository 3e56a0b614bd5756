package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/green-horizon/internal/engine"
	"procodus.dev/green-horizon/internal/policy"
	"procodus.dev/green-horizon/internal/server"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

type fakeCycler struct {
	mu      sync.Mutex
	calls   int
	status  engine.Status
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeCycler) RunCycle(context.Context) (*engine.CycleResult, error) {
	f.mu.Lock()
	f.calls++
	status, err := f.status, f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	return &engine.CycleResult{
		CycleID:   "cycle-1",
		Status:    status,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Decision:  policy.Decision{Action: policy.ActionIrrigate, Reason: "EXECUTION"},
		ReadingID: 7,
	}, err
}

func (f *fakeCycler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCycler) set(status engine.Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.err = status, err
}

type fakeDecisions struct {
	latest *store.DecisionRecord
	counts map[string]int64
	err    error
	since  time.Time
}

func (f *fakeDecisions) LatestDecision(context.Context) (*store.DecisionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.latest == nil {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeDecisions) CountActions(_ context.Context, since time.Time) (map[string]int64, error) {
	f.since = since
	return f.counts, f.err
}

var _ = Describe("Server", func() {
	var (
		ctx       context.Context
		logger    *slog.Logger
		cycler    *fakeCycler
		decisions *fakeDecisions
		m         *metrics.EngineMetrics
	)

	newServer := func(mut func(*server.ServerConfig)) *server.Server {
		cfg := &server.ServerConfig{
			Logger:    logger,
			Engine:    cycler,
			Decisions: decisions,
			Interval:  time.Hour,
			Metrics:   m,
		}
		if mut != nil {
			mut(cfg)
		}
		s, err := server.NewServer(cfg)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	serving := func(s *server.Server) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := s.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
		Expect(err).NotTo(HaveOccurred())
		return resp.GetStatus()
	}

	get := func(s *server.Server, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		cycler = &fakeCycler{status: engine.StatusCommitted}
		decisions = &fakeDecisions{}
		m = metrics.NewEngineMetrics(prometheus.NewRegistry(), metrics.Namespace)
	})

	Describe("NewServer", func() {
		It("should return error when config is nil", func() {
			s, err := server.NewServer(nil)
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := server.NewServer(&server.ServerConfig{Engine: cycler, Interval: time.Second})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should return error when engine is nil", func() {
			_, err := server.NewServer(&server.ServerConfig{Logger: logger, Interval: time.Second})
			Expect(err).To(MatchError(ContainSubstring("engine cannot be nil")))
		})

		It("should return error when interval is not positive", func() {
			_, err := server.NewServer(&server.ServerConfig{Logger: logger, Engine: cycler})
			Expect(err).To(MatchError(ContainSubstring("interval must be greater than 0")))
		})

		It("should start not serving", func() {
			Expect(serving(newServer(nil))).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
		})
	})

	Describe("Tick", func() {
		It("should report serving after a committed cycle", func() {
			s := newServer(nil)

			res, ran := s.Tick(ctx)
			Expect(ran).To(BeTrue())
			Expect(res.Status).To(Equal(engine.StatusCommitted))
			Expect(s.LastCycle()).To(Equal(res))
			Expect(serving(s)).To(Equal(healthpb.HealthCheckResponse_SERVING))
		})

		It("should keep serving when only the mirror is stale", func() {
			cycler.set(engine.StatusMirrorStale, nil)
			s := newServer(nil)

			s.Tick(ctx)
			Expect(serving(s)).To(Equal(healthpb.HealthCheckResponse_SERVING))
		})

		It("should report not serving after a failed cycle and recover", func() {
			s := newServer(nil)

			s.Tick(ctx)
			cycler.set(engine.StatusFailed, errors.New("database is locked"))
			s.Tick(ctx)
			Expect(serving(s)).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))

			cycler.set(engine.StatusCommitted, nil)
			s.Tick(ctx)
			Expect(serving(s)).To(Equal(healthpb.HealthCheckResponse_SERVING))
			Expect(cycler.Calls()).To(Equal(3))
		})

		It("should skip a tick while a cycle is running", func() {
			cycler.started = make(chan struct{})
			cycler.release = make(chan struct{})
			s := newServer(nil)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				_, ran := s.Tick(ctx)
				Expect(ran).To(BeTrue())
			}()
			Eventually(cycler.started).Should(Receive())

			res, ran := s.Tick(ctx)
			Expect(ran).To(BeFalse())
			Expect(res).To(BeNil())
			Expect(testutil.ToFloat64(m.SkippedTicks)).To(Equal(1.0))

			close(cycler.release)
			Eventually(done).Should(BeClosed())
			Expect(cycler.Calls()).To(Equal(1))
		})
	})

	Describe("Run", func() {
		It("should run cycles on every tick until canceled", func() {
			s := newServer(func(cfg *server.ServerConfig) {
				cfg.Interval = 10 * time.Millisecond
				cfg.RunImmediately = true
			})

			runCtx, cancel := context.WithCancel(ctx)
			errCh := make(chan error, 1)
			go func() {
				errCh <- s.Run(runCtx)
			}()

			Eventually(cycler.Calls).Should(BeNumerically(">=", 3))
			cancel()
			Eventually(errCh, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should keep running after failed cycles", func() {
			cycler.set(engine.StatusFailed, errors.New("boom"))
			s := newServer(func(cfg *server.ServerConfig) {
				cfg.Interval = 10 * time.Millisecond
			})

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			errCh := make(chan error, 1)
			go func() {
				errCh <- s.Run(runCtx)
			}()

			Eventually(cycler.Calls).Should(BeNumerically(">=", 2))
			Consistently(errCh, 50*time.Millisecond).ShouldNot(Receive())
			cancel()
			Eventually(errCh, 2*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("HTTP", func() {
		It("should report ok before the first cycle", func() {
			rec := get(newServer(nil), "/health")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"status":"ok"`))
		})

		It("should report the last cycle", func() {
			s := newServer(nil)
			s.Tick(ctx)

			rec := get(s, "/health")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("last_cycle", HaveKeyWithValue("action", "IRRIGATE")))
		})

		It("should return 503 after a failed cycle", func() {
			cycler.set(engine.StatusFailed, errors.New("boom"))
			s := newServer(nil)
			s.Tick(ctx)

			rec := get(s, "/health")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(ContainSubstring(`"status":"degraded"`))
		})

		It("should expose metrics", func() {
			rec := get(newServer(nil), "/metrics")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("go_goroutines"))
		})

		It("should return the latest decision", func() {
			rain := 1.25
			decisions.latest = &store.DecisionRecord{
				ID:              3,
				CycleID:         "abc",
				Timestamp:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
				SoilMoisturePct: 12,
				RainForecastMM:  &rain,
				Tariff:          "Normal",
				Action:          "WAIT",
				Reason:          "PREDICTIVE",
			}

			rec := get(newServer(nil), "/api/decisions/latest")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("action", "WAIT"))
			Expect(body).To(HaveKeyWithValue("rain_forecast_mm", 1.25))
			Expect(body).To(HaveKeyWithValue("mean_temp_c", BeNil()))
			Expect(body).To(HaveKeyWithValue("timestamp", "2024-03-01T10:00:00Z"))
		})

		It("should return 404 when no decision is logged", func() {
			Expect(get(newServer(nil), "/api/decisions/latest").Code).To(Equal(http.StatusNotFound))
		})

		It("should return 500 when the store fails", func() {
			decisions.err = errors.New("connection refused")
			Expect(get(newServer(nil), "/api/decisions/latest").Code).To(Equal(http.StatusInternalServerError))
		})

		It("should count actions over the requested window", func() {
			decisions.counts = map[string]int64{"IRRIGATE": 2, "WAIT": 5}

			rec := get(newServer(nil), "/api/actions?window=6h")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(time.Since(decisions.since)).To(BeNumerically("~", 6*time.Hour, time.Minute))

			var body struct {
				Counts map[string]int64 `json:"counts"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Counts).To(Equal(decisions.counts))
		})

		It("should reject an invalid window", func() {
			Expect(get(newServer(nil), "/api/actions?window=soon").Code).To(Equal(http.StatusBadRequest))
		})

		It("should hide the API without a decision reader", func() {
			s := newServer(func(cfg *server.ServerConfig) { cfg.Decisions = nil })
			Expect(get(s, "/api/actions").Code).To(Equal(http.StatusNotFound))
		})
	})
})
