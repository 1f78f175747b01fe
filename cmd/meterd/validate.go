package main

import (
	"fmt"

	"github.com/artpar/meterd/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}

		fmt.Println("Configuration valid")
		fmt.Printf("  Storage:   %s\n", cfg.Storage.Backend)
		fmt.Printf("  Workers:   %d\n", cfg.Queue.Workers)
		fmt.Printf("  Analytics: %v\n", cfg.Analytics.Enabled)
		fmt.Printf("  Sink:      %s\n", cfg.Sink.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
