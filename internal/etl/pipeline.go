// Package etl rebuilds the clean climate history from the raw sensor CSV.
//
// Each run is a full replace: the clean table is deleted and reloaded inside
// one transaction, so a failed run leaves the previous snapshot in place and
// running twice on the same input yields the same table.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"

	"procodus.dev/green-horizon/internal/csvio"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

// DefaultBatchSize keeps SQLite under its bound-variable limit.
const DefaultBatchSize = 500

// Config holds the pipeline configuration.
type Config struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// SourcePath is the raw history CSV.
	SourcePath string
	// OutlierThresholdC defaults to DefaultOutlierThresholdC.
	OutlierThresholdC float64
	// Location interprets raw timestamps. Defaults to UTC.
	Location  *time.Location
	BatchSize int
	// Metrics is optional.
	Metrics *metrics.ETLMetrics
}

// Pipeline runs extract, transform and load.
type Pipeline struct {
	logger    *slog.Logger
	db        *gorm.DB
	source    string
	rules     Rules
	batchSize int
	metrics   *metrics.ETLMetrics
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("etl config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if cfg.SourcePath == "" {
		return nil, errors.New("source path cannot be empty")
	}

	threshold := cfg.OutlierThresholdC
	if threshold == 0 {
		threshold = DefaultOutlierThresholdC
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	return &Pipeline{
		logger:    cfg.Logger,
		db:        cfg.DB,
		source:    cfg.SourcePath,
		rules:     Rules{OutlierThresholdC: threshold, Location: cfg.Location},
		batchSize: batch,
		metrics:   cfg.Metrics,
	}, nil
}

// Run executes the pipeline. Dropped rows are counted, not treated as errors.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	report, err := p.run(ctx)
	if err != nil {
		p.observe("error", nil, time.Since(start))
		p.logger.Error("etl run failed", "source", p.source, "error", err)
		return nil, err
	}

	report.Duration = time.Since(start)
	p.observe("success", report, report.Duration)

	p.logger.Info("etl run completed",
		"source", p.source,
		"read", report.Read,
		"dropped_null", report.DroppedNull,
		"dropped_malformed", report.DroppedMalformed,
		"dropped_outlier", report.DroppedOutlier,
		"dropped_duplicate", report.DroppedDuplicate,
		"loaded", report.Loaded,
		"duration", report.Duration,
	)

	return report, nil
}

func (p *Pipeline) run(ctx context.Context) (*Report, error) {
	header, records, err := p.extract()
	if err != nil {
		return nil, err
	}

	rows, report, err := Transform(header, records, p.rules)
	if err != nil {
		return nil, fmt.Errorf("failed to transform %s: %w", p.source, err)
	}

	if err := p.load(ctx, rows); err != nil {
		return nil, err
	}

	report.Loaded = len(rows)
	return report, nil
}

func (p *Pipeline) extract() (csvio.Header, [][]string, error) {
	f, err := os.Open(p.source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	reader, err := csvio.NewReader(f)
	if err != nil {
		return nil, nil, err
	}

	header, err := csvio.ReadHeader(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", p.source, err)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", p.source, err)
	}

	return header, records, nil
}

func (p *Pipeline) load(ctx context.Context, rows []store.CleanClimateRecord) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&store.CleanClimateRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear clean table: %w", err)
		}

		if len(rows) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(rows, p.batchSize).Error; err != nil {
			return fmt.Errorf("failed to load clean table: %w", err)
		}

		return nil
	})
}

func (p *Pipeline) observe(status string, report *Report, d time.Duration) {
	if p.metrics == nil {
		return
	}

	p.metrics.RunsTotal.WithLabelValues(status).Inc()
	p.metrics.RunDuration.Observe(d.Seconds())

	if report == nil {
		return
	}

	p.metrics.RowsDropped.WithLabelValues("null").Add(float64(report.DroppedNull))
	p.metrics.RowsDropped.WithLabelValues("malformed").Add(float64(report.DroppedMalformed))
	p.metrics.RowsDropped.WithLabelValues("outlier").Add(float64(report.DroppedOutlier))
	p.metrics.RowsDropped.WithLabelValues("duplicate").Add(float64(report.DroppedDuplicate))
	p.metrics.RowsLoaded.Add(float64(report.Loaded))
}
