package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskcoordinator/pkg/config"
	"github.com/cuemby/taskcoordinator/pkg/coordinator"
	"github.com/cuemby/taskcoordinator/pkg/httpapi"
	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/observability"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskcoordinatord",
	Short:   "Distributed task coordinator",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "", "Path to a coordinator YAML config file")
	startCmd.Flags().String("listen", "", "Override listen address")
	startCmd.Flags().Int("port-range-min", 0, "Lowest port to probe if listen's port is busy")
	startCmd.Flags().Int("port-range-max", 0, "Highest port to probe if listen's port is busy")
	startCmd.Flags().String("perf-log", "perf.log", "Performance snapshot log path")
	startCmd.Flags().String("txn-log", "transactions.log", "Transaction log path")
	startCmd.Flags().String("http-addr", "", "Introspection HTTP server address; empty disables it")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator and serve the worker protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		portRangeMin, _ := cmd.Flags().GetInt("port-range-min")
		portRangeMax, _ := cmd.Flags().GetInt("port-range-max")
		perfLogPath, _ := cmd.Flags().GetString("perf-log")
		txnLogPath, _ := cmd.Flags().GetString("txn-log")
		httpAddr, _ := cmd.Flags().GetString("http-addr")

		cfg := coordinator.DefaultConfig()
		if configPath != "" {
			loaded, err := config.LoadCoordinator(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}
		if listen != "" {
			cfg.ListenAddr = listen
		}
		if portRangeMin != 0 {
			cfg.PortRangeMin = portRangeMin
		}
		if portRangeMax != 0 {
			cfg.PortRangeMax = portRangeMax
		}

		perfLog, err := observability.OpenPerformanceLog(perfLogPath)
		if err != nil {
			return fmt.Errorf("open perf log: %w", err)
		}
		defer perfLog.Close()

		txnLog, err := observability.OpenTransactionLog(txnLogPath)
		if err != nil {
			return fmt.Errorf("open transaction log: %w", err)
		}
		defer txnLog.Close()

		coord := coordinator.New(cfg, perfLog, txnLog)

		if httpAddr != "" {
			srv := httpapi.New(coord)
			go func() {
				if err := http.ListenAndServe(httpAddr, srv.Handler()); err != nil {
					log.Logger.Error().Err(err).Msg("introspection server stopped")
				}
			}()
			log.Logger.Info().Str("addr", httpAddr).Msg("introspection server listening")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("coordinator starting")
		if err := coord.Serve(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("serve: %w", err)
		}
		log.Logger.Info().Msg("coordinator stopped")
		return nil
	},
}
