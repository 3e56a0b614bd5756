package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/green-horizon/internal/server"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run decision cycles on a schedule",
	Long: `Run the engine as a service that:
- Runs one decision cycle per interval, never two at once
- Serves /health, /metrics and a read-only decision API over HTTP
- Serves the gRPC health service
- Optionally publishes each decision to RabbitMQ`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindFlags(cmd, engineFlags); err != nil {
			return err
		}
		return bindFlags(cmd, map[string]string{
			"serve.interval":        "interval",
			"serve.run_immediately": "run-immediately",
			"serve.http_port":       "http-port",
			"serve.grpc_port":       "grpc-port",
		})
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addEngineFlags(serveCmd)
	serveCmd.Flags().Duration("interval", 15*time.Minute, "time between decision cycles")
	serveCmd.Flags().Bool("run-immediately", true, "run the first cycle at startup")
	serveCmd.Flags().Int("http-port", 8080, "HTTP ops port (0 disables)")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC health port (0 disables)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting engine service")

	engineMetrics := metrics.NewEngineMetrics(nil, metrics.Namespace)

	a, err := newApp(logger, engineMetrics)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		return err
	}
	// The server closes a.closers on shutdown; only the database is left.
	defer func() {
		if err := store.CloseDB(a.db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	config := &server.ServerConfig{
		Logger:         logger.With("component", "server"),
		Engine:         a.engine,
		Decisions:      a.store,
		Interval:       viper.GetDuration("serve.interval"),
		RunImmediately: viper.GetBool("serve.run_immediately"),
		HTTPPort:       viper.GetInt("serve.http_port"),
		GRPCPort:       viper.GetInt("serve.grpc_port"),
		Metrics:        engineMetrics,
		Closers:        a.closers,
	}

	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create engine server", "error", err)
		return err
	}

	logger.Info("engine server configuration",
		"interval", config.Interval,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("engine server error", "error", err)
		return err
	}

	logger.Info("engine server stopped")
	return nil
}
