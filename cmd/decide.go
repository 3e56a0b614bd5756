package main

import (
	"errors"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procodus.dev/green-horizon/internal/engine"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Run decision cycles once",
	Long: `Run one or more decision cycles that:
- Read the latest climate state (bootstrapping from the clean history)
- Fetch the rain forecast and resolve the energy tariff
- Log the irrigation decision and append the climate reading
- Mirror the reading to the raw history CSV`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, engineFlags)
	},
	RunE: runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)

	addEngineFlags(decideCmd)
	decideCmd.Flags().Float64("moisture", 0, "override the stored soil moisture for a what-if cycle")
	decideCmd.Flags().Int("cycles", 1, "number of cycles to run")
	decideCmd.Flags().Duration("interval", 0, "pause between cycles")
}

func runDecide(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	cycles, err := cmd.Flags().GetInt("cycles")
	if err != nil {
		return err
	}
	if cycles < 1 {
		return errors.New("cycles must be at least 1")
	}

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	var opts engine.CycleOptions
	if cmd.Flags().Changed("moisture") {
		moisture, err := cmd.Flags().GetFloat64("moisture")
		if err != nil {
			return err
		}
		if err := validateMoisture(moisture); err != nil {
			return err
		}
		opts.Moisture = &moisture
	}

	a, err := newApp(logger, nil)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		return err
	}
	defer a.close(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var failed int
	for i := 0; i < cycles; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		res, err := a.engine.RunCycleWith(ctx, opts)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %d/%d failed: %v\n", i+1, cycles, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		fmt.Fprintf(cmd.OutOrStdout(), "cycle %d/%d %s: %s (%s) reading=%d moisture=%.1f%% tariff=%s\n",
			i+1, cycles, res.Status, res.Decision.Action, res.Decision.Reason,
			res.ReadingID, res.Moisture, res.Tariff.Tier)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed", failed, cycles)
	}
	return nil
}

// validateMoisture accepts a soil moisture percentage in [0, 100].
func validateMoisture(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return fmt.Errorf("moisture %v is outside 0-100", v)
	}
	return nil
}
