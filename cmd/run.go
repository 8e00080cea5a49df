// File: cmd/run.go
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/xkilldash9x/shroud/internal/config"
	"github.com/xkilldash9x/shroud/internal/observability"
	"go.uber.org/zap"
)

// runCmd hosts the orchestrator as a long-running process. Collaborating
// executors attach in-process through the Plans and Results channels; this
// command owns component lifecycle and graceful shutdown.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the request orchestrator until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.GetLogger()
		cfg := config.Get()

		components, err := buildComponents(ctx, cfg, logger)
		if err != nil {
			logger.Error("Component initialization failed", zap.Error(err))
			return err
		}
		defer components.Shutdown()

		components.Start(ctx)

		stats := components.Registry.Snapshot()
		logger.Info("Orchestrator is up",
			zap.Int("profiles", stats.Valid),
			zap.Int("proxies", components.Pool.Size()),
			zap.Int("workers", cfg.Orchestrator.WorkerConcurrency),
			zap.Bool("persistence", components.Store != nil),
		)

		<-ctx.Done()
		logger.Info("Shutdown signal received, draining.")
		return nil
	},
}
