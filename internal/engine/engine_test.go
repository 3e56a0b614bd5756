package engine_test

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"procodus.dev/green-horizon/internal/engine"
	"procodus.dev/green-horizon/internal/forecast"
	"procodus.dev/green-horizon/internal/mirror"
	"procodus.dev/green-horizon/internal/notify"
	"procodus.dev/green-horizon/internal/policy"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/internal/tariff"
	"procodus.dev/green-horizon/pkg/metrics"
	"procodus.dev/green-horizon/pkg/mq/mock"
)

type fakeForecast struct {
	agg   *forecast.Aggregate
	err   error
	calls int
}

func (f *fakeForecast) Forecast(context.Context) (*forecast.Aggregate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	agg := *f.agg
	return &agg, nil
}

type brokenMirror struct{ calls int }

func (m *brokenMirror) Append(*store.ClimateRecord) error {
	m.calls++
	return errors.New("disk full")
}

const schedule = "hora,tipo\n10,Normal\n18,Pico\n"

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		logger    *slog.Logger
		dir       string
		db        *gorm.DB
		st        *store.Store
		fc        *fakeForecast
		resolver  *tariff.Resolver
		csvMirror *mirror.CSV
		publisher *mock.MockPublisher
		notifier  *notify.MQNotifier
		reg       *prometheus.Registry
		m         *metrics.EngineMetrics
		now       time.Time
	)

	clock := func() time.Time { return now }

	seed := func(moisture float64) {
		rain := 0.0
		Expect(db.Create(&store.CleanClimateRecord{
			ReadingID:       100,
			Timestamp:       now.Add(-time.Hour),
			SensorID:        "S-01",
			CropID:          "C-07",
			SoilMoisturePct: moisture,
			AmbientTempC:    24.5,
			WindKmh:         6.2,
			SolarRadiation:  410,
			RainMM:          &rain,
		}).Error).To(Succeed())
	}

	newEngine := func(mut func(*engine.Config)) *engine.Engine {
		cfg := &engine.Config{
			Logger:   logger,
			Store:    st,
			Forecast: fc,
			Tariff:   resolver,
			Policy:   policy.New(policy.DefaultMoistureThreshold),
			Mirror:   csvMirror,
			Notifier: notifier,
			Metrics:  m,
			Location: time.UTC,
			Now:      clock,
		}
		if mut != nil {
			mut(cfg)
		}
		e, err := engine.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	readMirror := func() [][]string {
		f, err := os.Open(csvMirror.Path())
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = f.Close() }()
		rows, err := csv.NewReader(f).ReadAll()
		Expect(err).NotTo(HaveOccurred())
		return rows
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		dir = GinkgoT().TempDir()
		now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

		var err error
		db, err = store.NewDB(&store.DBConfig{Logger: logger, Driver: store.DriverSQLite, Path: ":memory:"})
		Expect(err).NotTo(HaveOccurred())

		st, err = store.NewStore(&store.Config{
			Logger:    logger,
			DB:        db,
			Retention: store.DefaultRetention,
			Now:       clock,
		})
		Expect(err).NotTo(HaveOccurred())

		agg, err := forecast.NewAggregate([]float64{26, 27, 28}, []float64{0, 0, 0}, 3)
		Expect(err).NotTo(HaveOccurred())
		agg.Current = &forecast.Conditions{TempC: 26.4, WindKmh: 11.3}
		fc = &fakeForecast{agg: agg}

		tablePath := filepath.Join(dir, "tarifas_energia.csv")
		Expect(os.WriteFile(tablePath, []byte(schedule), 0o600)).To(Succeed())
		resolver, err = tariff.NewResolver(&tariff.Config{Logger: logger, Path: tablePath})
		Expect(err).NotTo(HaveOccurred())

		csvMirror, err = mirror.NewCSV(&mirror.Config{Logger: logger, Path: filepath.Join(dir, "historico_clima.csv")})
		Expect(err).NotTo(HaveOccurred())

		publisher = mock.NewMockPublisher()
		notifier, err = notify.NewMQNotifier(&notify.Config{Logger: logger, Publisher: publisher})
		Expect(err).NotTo(HaveOccurred())

		reg = prometheus.NewRegistry()
		m = metrics.NewEngineMetrics(reg, metrics.Namespace)
	})

	AfterEach(func() {
		Expect(store.CloseDB(db, logger)).To(Succeed())
	})

	Describe("New", func() {
		It("should validate its configuration", func() {
			_, err := engine.New(nil)
			Expect(err).To(HaveOccurred())

			_, err = engine.New(&engine.Config{Store: st})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))

			_, err = engine.New(&engine.Config{Logger: logger, Store: st, Forecast: fc, Tariff: resolver})
			Expect(err).To(MatchError(ContainSubstring("mirror cannot be nil")))
		})
	})

	Context("without any sensor state", func() {
		It("should fail without writing anything", func() {
			e := newEngine(nil)

			res, err := e.RunCycle(ctx)
			Expect(err).To(MatchError(store.ErrNoReading))
			Expect(res.Status).To(Equal(engine.StatusFailed))

			Expect(st.CountClimate(ctx)).To(BeZero())
			_, err = st.LatestDecision(ctx)
			Expect(err).To(MatchError(store.ErrNotFound))
			Expect(csvMirror.Path()).NotTo(BeAnExistingFile())
			Expect(publisher.Calls()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failed"))).To(Equal(1.0))
		})
	})

	Context("with a seeded clean history", func() {
		BeforeEach(func() {
			seed(18)
		})

		It("should irrigate dry soil under a normal tariff with no rain", func() {
			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Status).To(Equal(engine.StatusCommitted))
			Expect(res.Decision.Action).To(Equal(policy.ActionIrrigate))
			Expect(res.Tariff.Tier).To(Equal(tariff.TierNormal))
			Expect(res.ReadingID).To(Equal(int64(101)))
			Expect(res.DecisionID).NotTo(BeZero())
			Expect(res.CycleID).NotTo(BeEmpty())
		})

		It("should persist the decision with the forecast values", func() {
			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			d, err := st.LatestDecision(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.ID).To(Equal(res.DecisionID))
			Expect(d.CycleID).To(Equal(res.CycleID))
			Expect(d.Action).To(Equal("IRRIGATE"))
			Expect(d.Tariff).To(Equal("Normal"))
			Expect(d.SoilMoisturePct).To(Equal(18.0))
			Expect(d.RainForecastMM).To(HaveValue(Equal(0.0)))
			Expect(d.MeanTempC).To(HaveValue(Equal(27.0)))
		})

		It("should take ambient values from the current conditions", func() {
			_, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			c, err := st.LatestClimate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.ReadingID).To(Equal(int64(101)))
			Expect(c.SensorID).To(Equal("S-01"))
			Expect(c.CropID).To(Equal("C-07"))
			Expect(c.AmbientTempC).To(Equal(26.4))
			Expect(c.WindKmh).To(Equal(11.3))
			Expect(c.SolarRadiation).To(Equal(410.0))
			Expect(c.Timestamp.Equal(now)).To(BeTrue())
		})

		It("should mirror every committed reading in order", func() {
			e := newEngine(nil)
			for i := 0; i < 3; i++ {
				res, err := e.RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.ReadingID).To(Equal(int64(101 + i)))
				now = now.Add(time.Minute)
			}

			rows := readMirror()
			Expect(rows).To(HaveLen(4))
			Expect(rows[0]).To(Equal(mirror.Header))
			for i, row := range rows[1:] {
				Expect(row[0]).To(Equal(strconv.Itoa(101 + i)))
			}
			Expect(st.CountClimate(ctx)).To(Equal(int64(3)))
		})

		It("should skip when the soil is already moist", func() {
			moist := 45.0
			res, err := newEngine(nil).RunCycleWith(ctx, engine.CycleOptions{Moisture: &moist})
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Decision.Action).To(Equal(policy.ActionSkip))
			Expect(res.Moisture).To(Equal(45.0))

			c, err := st.LatestClimate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.SoilMoisturePct).To(Equal(45.0))
		})

		It("should wait when rain is expected", func() {
			agg, err := forecast.NewAggregate([]float64{20, 20, 20}, []float64{0.4, 0.3, 0.1}, 3)
			Expect(err).NotTo(HaveOccurred())
			fc.agg = agg

			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Decision.Action).To(Equal(policy.ActionWait))
			Expect(res.Decision.Reason).To(HavePrefix("PREDICTIVE"))
		})

		It("should wait during the peak tariff", func() {
			now = time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)

			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tariff.Tier).To(Equal(tariff.TierPeak))
			Expect(res.Decision.Action).To(Equal(policy.ActionWait))
			Expect(res.Decision.Reason).To(HavePrefix("SAVINGS"))
		})

		It("should resolve the tariff hour in the configured location", func() {
			loc := time.FixedZone("BRT", -3*60*60)
			now = time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)

			res, err := newEngine(func(cfg *engine.Config) { cfg.Location = loc }).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tariff.Hour).To(Equal(18))
			Expect(res.Tariff.Tier).To(Equal(tariff.TierPeak))
		})

		It("should fall back to the default tier for unscheduled hours", func() {
			now = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tariff.Defaulted()).To(BeTrue())
			Expect(res.Decision.Action).To(Equal(policy.ActionIrrigate))
			Expect(testutil.ToFloat64(m.TariffFallbacks.WithLabelValues("no_rule"))).To(Equal(1.0))
		})

		Context("when the forecast is unavailable", func() {
			BeforeEach(func() {
				fc.err = forecast.ErrUnavailable
			})

			It("should wait and still persist the cycle", func() {
				res, err := newEngine(nil).RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())

				Expect(res.Status).To(Equal(engine.StatusCommitted))
				Expect(res.Forecast).To(BeNil())
				Expect(res.ForecastErr).To(MatchError(forecast.ErrUnavailable))
				Expect(res.Decision.Action).To(Equal(policy.ActionWait))
				Expect(res.Decision.Reason).To(HavePrefix("UNAVAILABLE"))

				d, err := st.LatestDecision(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.RainForecastMM).To(BeNil())
				Expect(d.MeanTempC).To(BeNil())
				Expect(testutil.ToFloat64(m.ForecastFailures)).To(Equal(1.0))
			})

			It("should carry ambient values over from the previous reading", func() {
				_, err := newEngine(nil).RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())

				c, err := st.LatestClimate(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.AmbientTempC).To(Equal(24.5))
				Expect(c.WindKmh).To(Equal(6.2))
				Expect(c.RainMM).To(BeNil())

				rows := readMirror()
				Expect(rows[1][8]).To(BeEmpty())
			})

			It("should still skip moist soil", func() {
				moist := 60.0
				res, err := newEngine(nil).RunCycleWith(ctx, engine.CycleOptions{Moisture: &moist})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Decision.Action).To(Equal(policy.ActionSkip))
			})
		})

		It("should report a stale mirror when the append fails", func() {
			broken := &brokenMirror{}
			res, err := newEngine(func(cfg *engine.Config) { cfg.Mirror = broken }).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Status).To(Equal(engine.StatusMirrorStale))
			Expect(res.MirrorErr).To(MatchError(ContainSubstring("disk full")))
			Expect(broken.calls).To(Equal(1))
			Expect(st.CountClimate(ctx)).To(Equal(int64(1)))
			Expect(testutil.ToFloat64(m.CyclesTotal.WithLabelValues("mirror_stale"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.MirrorFailures)).To(Equal(1.0))
		})

		It("should not touch the mirror when the transaction fails", func() {
			Expect(db.Migrator().DropTable(&store.DecisionRecord{})).To(Succeed())

			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).To(HaveOccurred())
			Expect(res.Status).To(Equal(engine.StatusFailed))

			Expect(st.CountClimate(ctx)).To(BeZero())
			Expect(csvMirror.Path()).NotTo(BeAnExistingFile())
			Expect(publisher.Calls()).To(BeEmpty())
		})

		It("should publish the committed decision", func() {
			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			calls := publisher.Calls()
			Expect(calls).To(HaveLen(1))

			ev, err := notify.Decode(calls[0].Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.CycleID).To(Equal(res.CycleID))
			Expect(ev.Action).To(Equal("IRRIGATE"))
			Expect(ev.Status).To(Equal("committed"))
			Expect(ev.ReadingID).To(Equal(res.ReadingID))
			Expect(ev.DecisionID).To(Equal(res.DecisionID))
		})

		It("should keep the cycle committed when publishing fails", func() {
			publisher.PushError = errors.New("broker down")

			res, err := newEngine(nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(engine.StatusCommitted))
			Expect(res.NotifyErr).To(HaveOccurred())
			Expect(testutil.ToFloat64(m.NotificationFailures)).To(Equal(1.0))
		})

		It("should run without a notifier or metrics", func() {
			e := newEngine(func(cfg *engine.Config) {
				cfg.Notifier = nil
				cfg.Metrics = nil
			})

			res, err := e.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(engine.StatusCommitted))
			Expect(publisher.Calls()).To(BeEmpty())
		})

		It("should prune readings older than the retention window", func() {
			e := newEngine(nil)
			for i := 0; i < 6; i++ {
				_, err := e.RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())
				now = now.Add(time.Hour)
			}

			Expect(st.CountClimate(ctx)).To(Equal(int64(4)))
			Expect(st.MaxReadingID(ctx)).To(Equal(int64(106)))
			Expect(testutil.ToFloat64(m.PrunedRows)).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.LastReadingID)).To(Equal(106.0))
			Expect(testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("IRRIGATE"))).To(Equal(6.0))
		})
	})
})
