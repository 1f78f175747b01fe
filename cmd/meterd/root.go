package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meterd",
	Short: "Usage-tracking and rate-limiting backend",
	Long: `Meterd tracks API usage and enforces plan limits.

It keeps per-application and per-user counters across calendar windows,
answers authorization queries against plan limits, and exports usage
events in batches for analytics.

Quick start:
  meterd serve      # Start the server

Operations:
  meterd export     # Run one analytics export pass
  meterd validate   # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "meterd.yaml", "config file path")
}
