package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/taskcoordinator/pkg/config"
	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/worker"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskworkerd",
	Short:   "Task coordinator worker agent",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "", "Path to a worker YAML config file")
	startCmd.Flags().String("coordinator", "", "Override coordinator address (host:port)")
	startCmd.Flags().String("worker-id", "", "Override worker id (random uuid if unset)")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to a coordinator and serve dispatched tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		coordAddr, _ := cmd.Flags().GetString("coordinator")
		workerID, _ := cmd.Flags().GetString("worker-id")

		cfg := worker.DefaultConfig()
		if configPath != "" {
			loaded, err := config.LoadWorker(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}
		if coordAddr != "" {
			cfg.CoordinatorAddr = coordAddr
		}
		if workerID != "" {
			cfg.WorkerID = workerID
		}
		if cfg.WorkerID == "" {
			cfg.WorkerID = uuid.NewString()
		}
		if cfg.CoordinatorAddr == "" {
			return fmt.Errorf("coordinator address is required (--coordinator or config coordinator_addr)")
		}

		w, err := worker.Dial(cfg)
		if err != nil {
			return fmt.Errorf("dial coordinator: %w", err)
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Run's read loop blocks on the connection with no deadline, so
		// a canceled ctx alone would never unblock it; closing the
		// connection does.
		go func() {
			<-ctx.Done()
			w.Close()
		}()

		log.Logger.Info().Str("worker_id", cfg.WorkerID).Str("coordinator", cfg.CoordinatorAddr).Msg("worker connected")
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("run: %w", err)
		}
		log.Logger.Info().Msg("worker stopped")
		return nil
	},
}
