package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/meterd/bootstrap"
	"github.com/artpar/meterd/config"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run one analytics export pass",
	Long: `Drain closed analytics buckets to the configured sink and exit.

Useful for cron-driven deployments that run the exporter out of band, and
for forcing a drain after changing the sink. Requires analytics.enabled
and a configured sink. The export lease still applies: when a running
server holds it, this command is a no-op.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if !cfg.Analytics.Enabled {
		return fmt.Errorf("analytics.enabled is false; nothing to export")
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}
	defer app.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := app.Exporter.Run(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Printf("exported %d events\n", n)
	return nil
}
