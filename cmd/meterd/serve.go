package main

import (
	"fmt"
	"os"

	"github.com/artpar/meterd/bootstrap"
	"github.com/artpar/meterd/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the meterd server",
	Long: `Start the meterd server.

The server will:
  - Load configuration from meterd.yaml (or --config)
  - Or load configuration from METERD_* environment variables
  - Connect to the counter store (memory or Redis)
  - Run background report workers
  - Export analytics buckets on a schedule (if enabled)

Environment variables (for Docker deployments):
  METERD_STORAGE_BACKEND   - Storage backend: memory or redis
  METERD_REDIS_ADDR        - Redis address (for redis backend)
  METERD_SERVER_PORT       - Server port (default: 3000)
  METERD_QUEUE_WORKERS     - Background worker count
  METERD_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  meterd serve
  meterd serve --config /etc/meterd/config.yaml
  meterd serve --hot-reload=false

  # Docker (env vars only):
  METERD_STORAGE_BACKEND=redis METERD_REDIS_ADDR=redis:6379 meterd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	// Create application
	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
