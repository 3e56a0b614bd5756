// Package engine runs irrigation decision cycles: it reads the latest
// climate state, consults the forecast and the tariff schedule, applies the
// policy and records the outcome in the store and the CSV mirror.
//
// An Engine performs no scheduling and no locking of its own. Callers must
// not run two cycles at once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"procodus.dev/green-horizon/internal/forecast"
	"procodus.dev/green-horizon/internal/mirror"
	"procodus.dev/green-horizon/internal/notify"
	"procodus.dev/green-horizon/internal/policy"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/internal/tariff"
	"procodus.dev/green-horizon/pkg/logger"
	"procodus.dev/green-horizon/pkg/metrics"
)

// Status is the outcome of a cycle.
type Status string

const (
	// StatusCommitted means the decision, the climate row and the mirror are in sync.
	StatusCommitted Status = "committed"
	// StatusMirrorStale means the database committed but the CSV append failed.
	StatusMirrorStale Status = "mirror_stale"
	// StatusFailed means nothing was persisted.
	StatusFailed Status = "failed"
)

// Store is the persistence the engine needs.
type Store interface {
	LatestClimate(ctx context.Context) (*store.ClimateRecord, error)
	AppendCycle(ctx context.Context, decision *store.DecisionRecord, climate *store.ClimateRecord) (*store.AppendResult, error)
}

// TariffResolver maps a wall-clock time to a tier.
type TariffResolver interface {
	ResolveAt(t time.Time) tariff.Resolution
}

// Config holds the engine dependencies.
type Config struct {
	Logger   *slog.Logger
	Store    Store
	Forecast forecast.Provider
	Tariff   TariffResolver
	Policy   policy.Policy
	Mirror   mirror.Appender
	// Notifier is optional.
	Notifier notify.Notifier
	// Metrics is optional.
	Metrics *metrics.EngineMetrics
	// Location is the farm's local time zone used for the tariff hour.
	// Defaults to time.Local.
	Location *time.Location
	// Now overrides the clock.
	Now func() time.Time
}

// Engine runs decision cycles.
type Engine struct {
	logger   *slog.Logger
	store    Store
	forecast forecast.Provider
	tariff   TariffResolver
	policy   policy.Policy
	mirror   mirror.Appender
	notifier notify.Notifier
	metrics  *metrics.EngineMetrics
	location *time.Location
	now      func() time.Time
}

// CycleOptions alter a single cycle.
type CycleOptions struct {
	// Moisture replaces the stored soil moisture for a what-if run.
	Moisture *float64
}

// CycleResult describes a finished cycle.
type CycleResult struct {
	CycleID   string
	Status    Status
	Timestamp time.Time
	Moisture  float64
	Decision  policy.Decision
	Tariff    tariff.Resolution
	// Forecast is nil when ForecastErr is set.
	Forecast    *forecast.Aggregate
	ForecastErr error
	DecisionID  uint64
	ReadingID   int64
	Pruned      int64
	// MirrorErr is set when Status is StatusMirrorStale.
	MirrorErr error
	// NotifyErr is informational and never changes Status.
	NotifyErr error
	Duration  time.Duration
}

// New creates an engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Forecast == nil {
		return nil, errors.New("forecast provider cannot be nil")
	}

	if cfg.Tariff == nil {
		return nil, errors.New("tariff resolver cannot be nil")
	}

	if cfg.Mirror == nil {
		return nil, errors.New("mirror cannot be nil")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger:   cfg.Logger,
		store:    cfg.Store,
		forecast: cfg.Forecast,
		tariff:   cfg.Tariff,
		policy:   cfg.Policy,
		mirror:   cfg.Mirror,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		location: loc,
		now:      now,
	}, nil
}

// RunCycle runs one cycle with the stored sensor state.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	return e.RunCycleWith(ctx, CycleOptions{})
}

// RunCycleWith runs one cycle. The returned error is non-nil only when
// Status is StatusFailed; a stale mirror is reported through the result.
func (e *Engine) RunCycleWith(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	start := time.Now()
	res := &CycleResult{
		CycleID:   uuid.NewString(),
		Timestamp: e.now().In(e.location).Truncate(time.Second),
	}
	log := logger.WithCycle(e.logger, res.CycleID)

	err := e.run(ctx, log, res, opts)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		log.Error("cycle failed", "error", err, "duration", res.Duration)
	}

	e.observe(res)
	return res, err
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, res *CycleResult, opts CycleOptions) error {
	latest, err := e.store.LatestClimate(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoReading) {
			return fmt.Errorf("no sensor state available, run the ETL first: %w", err)
		}
		return fmt.Errorf("failed to read latest climate: %w", err)
	}

	res.Moisture = latest.SoilMoisturePct
	if opts.Moisture != nil {
		res.Moisture = *opts.Moisture
		log.Info("soil moisture overridden", "stored", latest.SoilMoisturePct, "override", res.Moisture)
	}

	res.Forecast, res.ForecastErr = e.forecast.Forecast(ctx)
	if res.ForecastErr != nil {
		res.Forecast = nil
		log.Warn("forecast unavailable, deciding without it", "error", res.ForecastErr)
	}

	res.Tariff = e.tariff.ResolveAt(res.Timestamp)
	if res.Tariff.Defaulted() {
		log.Warn("tariff default applied", "tier", res.Tariff.Tier, "cause", res.Tariff.Cause)
	}

	res.Decision = e.policy.Decide(res.Moisture, res.Forecast, res.Tariff.Tier)

	decision, climate := e.records(res, latest)
	appended, err := e.store.AppendCycle(ctx, decision, climate)
	if err != nil {
		return fmt.Errorf("failed to persist cycle: %w", err)
	}
	res.DecisionID = appended.DecisionID
	res.ReadingID = appended.ReadingID
	res.Pruned = appended.Pruned
	res.Status = StatusCommitted

	if err := e.mirror.Append(climate); err != nil {
		res.Status = StatusMirrorStale
		res.MirrorErr = err
		log.Warn("decision persisted but mirror is stale",
			"reading_id", res.ReadingID,
			"error", err,
		)
	}

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, e.event(res)); err != nil {
			res.NotifyErr = err
			log.Warn("failed to publish decision", "decision_id", res.DecisionID, "error", err)
		}
	}

	log.Info("cycle completed",
		"status", res.Status,
		"action", res.Decision.Action,
		"reason", res.Decision.Reason,
		"soil_moisture_pct", res.Moisture,
		"tariff", res.Tariff.Tier,
		"forecast_available", res.Forecast != nil,
		"decision_id", res.DecisionID,
		"reading_id", res.ReadingID,
		"pruned", res.Pruned,
	)

	return nil
}

// records builds the rows for this cycle. Ambient values come from the
// forecast's current conditions when present, otherwise they carry over
// from the previous reading.
func (e *Engine) records(res *CycleResult, latest *store.ClimateRecord) (*store.DecisionRecord, *store.ClimateRecord) {
	decision := &store.DecisionRecord{
		Timestamp:       res.Timestamp,
		SoilMoisturePct: res.Moisture,
		Tariff:          res.Tariff.Tier,
		Action:          string(res.Decision.Action),
		Reason:          res.Decision.Reason,
		CycleID:         res.CycleID,
	}

	climate := &store.ClimateRecord{
		Timestamp:       res.Timestamp,
		SensorID:        latest.SensorID,
		CropID:          latest.CropID,
		SoilMoisturePct: res.Moisture,
		AmbientTempC:    latest.AmbientTempC,
		WindKmh:         latest.WindKmh,
		SolarRadiation:  latest.SolarRadiation,
	}

	if fc := res.Forecast; fc != nil {
		rain, temp := fc.TotalRainMM, fc.MeanTempC
		decision.RainForecastMM = &rain
		decision.MeanTempC = &temp
		climate.RainMM = &rain

		if fc.Current != nil {
			climate.AmbientTempC = fc.Current.TempC
			climate.WindKmh = fc.Current.WindKmh
		}
	}

	return decision, climate
}

func (e *Engine) event(res *CycleResult) *notify.Event {
	ev := &notify.Event{
		CycleID:         res.CycleID,
		Timestamp:       res.Timestamp,
		Action:          string(res.Decision.Action),
		Reason:          res.Decision.Reason,
		Tariff:          res.Tariff.Tier,
		Status:          string(res.Status),
		SoilMoisturePct: res.Moisture,
		ReadingID:       res.ReadingID,
		DecisionID:      res.DecisionID,
	}
	if res.Forecast != nil {
		rain := res.Forecast.TotalRainMM
		ev.RainForecastMM = &rain
	}
	return ev
}

func (e *Engine) observe(res *CycleResult) {
	m := e.metrics
	if m == nil {
		return
	}

	m.CyclesTotal.WithLabelValues(string(res.Status)).Inc()
	m.CycleDuration.Observe(res.Duration.Seconds())

	if res.ForecastErr != nil {
		m.ForecastFailures.Inc()
	}

	if res.Tariff.Defaulted() {
		m.TariffFallbacks.WithLabelValues(fallbackReason(res.Tariff.Cause)).Inc()
	}

	if res.Status == StatusFailed {
		return
	}

	m.DecisionsTotal.WithLabelValues(string(res.Decision.Action)).Inc()
	m.PrunedRows.Add(float64(res.Pruned))
	m.LastReadingID.Set(float64(res.ReadingID))
	m.LastCycleTimestamp.Set(float64(res.Timestamp.Unix()))

	if res.MirrorErr != nil {
		m.MirrorFailures.Inc()
	}

	if res.NotifyErr != nil {
		m.NotificationFailures.Inc()
	}
}

func fallbackReason(cause error) string {
	switch {
	case errors.Is(cause, tariff.ErrNoRuleForHour):
		return "no_rule"
	case errors.Is(cause, tariff.ErrInvalidHour):
		return "invalid_hour"
	default:
		return "table_unavailable"
	}
}
