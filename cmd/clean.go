package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/green-horizon/internal/etl"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Rebuild the clean climate history",
	Long: `Run the ETL pipeline that:
- Reads the raw climate history CSV (delimiter auto-detected)
- Drops rows with missing values, bad formats, temperature outliers and repeated ids
- Replaces the clean history table in a single transaction`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"etl.outlier_threshold": "outlier-threshold",
			"etl.batch_size":        "batch-size",
		})
	},
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().Float64("outlier-threshold", etl.DefaultOutlierThresholdC, "ambient temperature (C) above which a row is dropped")
	cleanCmd.Flags().Int("batch-size", etl.DefaultBatchSize, "rows per insert batch")
}

func runClean(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	loc, err := GetLocation()
	if err != nil {
		return err
	}

	db, err := openDB(logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if err := store.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	pipeline, err := etl.NewPipeline(&etl.Config{
		Logger:            logger.With("component", "etl"),
		DB:                db,
		SourcePath:        viper.GetString("history.csv"),
		OutlierThresholdC: viper.GetFloat64("etl.outlier_threshold"),
		Location:          loc,
		BatchSize:         viper.GetInt("etl.batch_size"),
		Metrics:           metrics.NewETLMetrics(nil, metrics.Namespace),
	})
	if err != nil {
		return err
	}

	report, err := pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"read %d, loaded %d, dropped %d (null %d, malformed %d, outlier %d, duplicate %d) in %s\n",
		report.Read, report.Loaded, report.Dropped(),
		report.DroppedNull, report.DroppedMalformed, report.DroppedOutlier, report.DroppedDuplicate,
		report.Duration)
	return nil
}
