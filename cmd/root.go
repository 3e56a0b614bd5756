// Package main provides the green-horizon command line.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "green-horizon",
		Short: "Irrigation decision and data-sync engine",
		Long: `Green Horizon decides when to irrigate from soil moisture, the rain
forecast and the energy tariff, and keeps the climate history in sync:
- decide: run one or more decision cycles
- serve: run decision cycles on a schedule with ops endpoints
- clean: rebuild the clean climate history from the raw CSV
- simulate: write a synthetic raw climate history`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	Execute()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/green-horizon/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")

	flags.String("db-driver", "sqlite", "database driver (sqlite, postgres)")
	flags.String("db-path", "data/green_horizon.db", "SQLite database file")
	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "postgres", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "green_horizon", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode")

	flags.String("history-csv", "data/historico_clima.csv", "raw climate history CSV")
	flags.String("timezone", "America/Sao_Paulo", "farm time zone for tariff hours and CSV timestamps")

	bindings := map[string]string{
		"log.level":   "log-level",
		"log.format":  "log-format",
		"db.driver":   "db-driver",
		"db.path":     "db-path",
		"db.host":     "db-host",
		"db.port":     "db-port",
		"db.user":     "db-user",
		"db.password": "db-password",
		"db.name":     "db-name",
		"db.sslmode":  "db-sslmode",
		"history.csv": "history-csv",
		"timezone":    "timezone",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("failed to bind %s flag: %v", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
