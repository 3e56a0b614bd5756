package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/green-horizon/pkg/generator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write a synthetic raw climate history",
	Long: `Generate a raw climate history CSV that:
- Follows daily temperature, solar and soil moisture patterns
- Contains missing values, 500C sensor spikes and repeated rows
- Can be fed to the clean command to seed the engine`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"simulate.rows":           "rows",
			"simulate.interval":       "interval",
			"simulate.null_rate":      "null-rate",
			"simulate.spike_rate":     "spike-rate",
			"simulate.duplicate_rate": "duplicate-rate",
			"simulate.seed":           "seed",
		})
	},
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("rows", 24*30, "rows to generate")
	simulateCmd.Flags().Duration("interval", time.Hour, "time between rows")
	simulateCmd.Flags().Float64("null-rate", 0.05, "share of rows with a missing value")
	simulateCmd.Flags().Float64("spike-rate", 0.02, "share of rows with a 500C spike")
	simulateCmd.Flags().Float64("duplicate-rate", 0.01, "share of rows written twice")
	simulateCmd.Flags().Uint64("seed", 0, "random seed (0 picks one)")
	simulateCmd.Flags().Bool("force", false, "overwrite an existing history file")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	loc, err := GetLocation()
	if err != nil {
		return err
	}

	path := viper.GetString("history.csv")
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	rows := viper.GetInt("simulate.rows")
	interval := viper.GetDuration("simulate.interval")

	gen, err := generator.NewHistoryGenerator(generator.HistoryConfig{
		Start:         time.Now().In(loc).Truncate(time.Hour).Add(-time.Duration(rows) * interval),
		Interval:      interval,
		Rows:          rows,
		NullRate:      viper.GetFloat64("simulate.null_rate"),
		SpikeRate:     viper.GetFloat64("simulate.spike_rate"),
		DuplicateRate: viper.GetFloat64("simulate.duplicate_rate"),
		Seed:          viper.GetUint64("simulate.seed"),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	summary, err := gen.WriteCSV(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	logger.Info("synthetic history written",
		"path", path,
		"sensor_id", gen.SensorID(),
		"rows", summary.Rows,
		"nulls", summary.Nulls,
		"spikes", summary.Spikes,
		"duplicates", summary.Duplicates,
	)

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s (%d nulls, %d spikes, %d duplicates)\n",
		summary.Rows, path, summary.Nulls, summary.Spikes, summary.Duplicates)
	return nil
}
