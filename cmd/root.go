// Package cmd defines the CLI commands for the crawlerd executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/config"
	"github.com/JakeFAU/sendrecord-crawler/internal/logging"
	"github.com/JakeFAU/sendrecord-crawler/internal/server"
)

// Engine is what the serve command runs. It is an interface so tests can swap
// the real server out.
type Engine interface {
	Run(ctx context.Context) error
}

// newEngine is the engine factory. It is a variable so tests can replace it.
var newEngine = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Engine, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crawlerd",
		Short:         "Collects daily send records from the upstream SMS platform.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `crawlerd runs paginated daily collection jobs against the upstream send-record
listing, rotating through a pool of authenticated accounts and appending every
page to a per-day CSV file.`,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the job engine, scheduler and HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			engine, err := newEngine(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("engine init failed", zap.Error(err))
				return err
			}
			return engine.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file")
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "crawlerd: %v\n", err)
		os.Exit(1)
	}
}
