package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"procodus.dev/green-horizon/internal/engine"
	"procodus.dev/green-horizon/internal/forecast"
	"procodus.dev/green-horizon/internal/mirror"
	"procodus.dev/green-horizon/internal/notify"
	"procodus.dev/green-horizon/internal/policy"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/internal/tariff"
	"procodus.dev/green-horizon/pkg/metrics"
	"procodus.dev/green-horizon/pkg/mq"
)

// engineFlags maps viper keys to the flags shared by the commands that run
// decision cycles. They are bound in PreRunE so only the running command's
// flags are attached to the keys.
var engineFlags = map[string]string{
	"tariff.path":                "tariff-csv",
	"tariff.default_tier":        "tariff-default",
	"forecast.endpoint":          "forecast-endpoint",
	"forecast.latitude":          "latitude",
	"forecast.longitude":         "longitude",
	"forecast.horizon":           "forecast-horizon",
	"forecast.timeout":           "forecast-timeout",
	"forecast.from_current_hour": "forecast-from-now",
	"policy.moisture_threshold":  "moisture-threshold",
	"store.retention":            "retention",
	"notify.enabled":             "notify",
	"notify.rabbitmq_url":        "rabbitmq-url",
	"notify.queue_name":          "queue-name",
}

func addEngineFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("tariff-csv", "data/tarifas_energia.csv", "energy tariff schedule CSV")
	flags.String("tariff-default", tariff.TierNormal, "tier used when the schedule has no rule")
	flags.String("forecast-endpoint", forecast.DefaultEndpoint, "Open-Meteo forecast endpoint")
	flags.Float64("latitude", forecast.DefaultLatitude, "farm latitude")
	flags.Float64("longitude", forecast.DefaultLongitude, "farm longitude")
	flags.Int("forecast-horizon", forecast.DefaultHorizon, "hours of forecast to aggregate")
	flags.Duration("forecast-timeout", forecast.DefaultTimeout, "forecast request timeout")
	flags.Bool("forecast-from-now", false, "start the forecast horizon at the current hour")
	flags.Float64("moisture-threshold", policy.DefaultMoistureThreshold, "soil moisture percentage considered ideal")
	flags.Duration("retention", store.DefaultRetention, "climate window retention (0 disables pruning)")
	flags.Bool("notify", false, "publish decisions to RabbitMQ")
	flags.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	flags.String("queue-name", "irrigation-decisions", "RabbitMQ queue for decisions")
}

func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", flag, err)
		}
	}
	return nil
}

func openDB(logger *slog.Logger) (*gorm.DB, error) {
	return store.NewDB(&store.DBConfig{
		Logger:   logger,
		Driver:   viper.GetString("db.driver"),
		Path:     viper.GetString("db.path"),
		Host:     viper.GetString("db.host"),
		Port:     viper.GetInt("db.port"),
		User:     viper.GetString("db.user"),
		Password: viper.GetString("db.password"),
		DBName:   viper.GetString("db.name"),
		SSLMode:  viper.GetString("db.sslmode"),
	})
}

// app holds the wired engine and what has to be released with it.
type app struct {
	db      *gorm.DB
	store   *store.Store
	engine  *engine.Engine
	closers []io.Closer
}

func (a *app) close(logger *slog.Logger) {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Error("failed to close resource", "error", err)
		}
	}
	if err := store.CloseDB(a.db, logger); err != nil {
		logger.Error("failed to close database", "error", err)
	}
}

// newApp wires the engine from configuration. engineMetrics is optional.
func newApp(logger *slog.Logger, engineMetrics *metrics.EngineMetrics) (*app, error) {
	loc, err := GetLocation()
	if err != nil {
		return nil, err
	}

	db, err := openDB(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{db: db}

	fail := func(err error) (*app, error) {
		a.close(logger)
		return nil, err
	}

	a.store, err = store.NewStore(&store.Config{
		Logger:    logger.With("component", "store"),
		DB:        db,
		Retention: viper.GetDuration("store.retention"),
	})
	if err != nil {
		return fail(err)
	}

	provider, err := forecast.NewOpenMeteo(&forecast.Config{
		Logger:          logger.With("component", "forecast"),
		Endpoint:        viper.GetString("forecast.endpoint"),
		Latitude:        viper.GetFloat64("forecast.latitude"),
		Longitude:       viper.GetFloat64("forecast.longitude"),
		Timezone:        loc.String(),
		Horizon:         viper.GetInt("forecast.horizon"),
		Timeout:         viper.GetDuration("forecast.timeout"),
		FromCurrentHour: viper.GetBool("forecast.from_current_hour"),
	})
	if err != nil {
		return fail(err)
	}

	resolver, err := tariff.NewResolver(&tariff.Config{
		Logger:      logger.With("component", "tariff"),
		Path:        viper.GetString("tariff.path"),
		DefaultTier: viper.GetString("tariff.default_tier"),
	})
	if err != nil {
		return fail(err)
	}

	csvMirror, err := mirror.NewCSV(&mirror.Config{
		Logger:   logger.With("component", "mirror"),
		Path:     viper.GetString("history.csv"),
		Location: loc,
	})
	if err != nil {
		return fail(err)
	}

	cfg := &engine.Config{
		Logger:   logger,
		Store:    a.store,
		Forecast: provider,
		Tariff:   resolver,
		Policy:   policy.New(viper.GetFloat64("policy.moisture_threshold")),
		Mirror:   csvMirror,
		Metrics:  engineMetrics,
		Location: loc,
	}

	if viper.GetBool("notify.enabled") {
		notifier, err := newNotifier(logger, engineMetrics != nil)
		if err != nil {
			return fail(err)
		}
		cfg.Notifier = notifier
		a.closers = append(a.closers, notifier)
	}

	a.engine, err = engine.New(cfg)
	if err != nil {
		return fail(err)
	}

	logger.Info("engine configuration",
		"db_driver", viper.GetString("db.driver"),
		"history_csv", csvMirror.Path(),
		"tariff_csv", viper.GetString("tariff.path"),
		"timezone", loc.String(),
		"retention", viper.GetDuration("store.retention"),
		"notify", cfg.Notifier != nil,
	)

	return a, nil
}

func newNotifier(logger *slog.Logger, withMetrics bool) (*notify.MQNotifier, error) {
	mqCfg := &mq.Config{
		Logger:      logger.With("component", "mq-client"),
		URL:         viper.GetString("notify.rabbitmq_url"),
		Queue:       viper.GetString("notify.queue_name"),
		Durable:     true,
		ContentType: notify.ContentType,
	}
	if withMetrics {
		mqCfg.Metrics = metrics.NewMQMetrics(nil, metrics.Namespace)
	}

	client, err := mq.New(mqCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rabbitmq client: %w", err)
	}

	return notify.NewMQNotifier(&notify.Config{
		Logger:    logger.With("component", "notify"),
		Publisher: client,
		Timeout:   30 * time.Second,
	})
}
