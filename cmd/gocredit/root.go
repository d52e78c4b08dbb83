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
	Use:   "gocredit",
	Short: "Credit ledger with streaming-session reservations",
	Long: `gocredit keeps expiring credit allocations per user and meters streaming
operations by reserving credits up front and settling them afterwards.

Server:
  gocredit serve     # Start the API, webhook and metrics servers

Administration:
  gocredit migrate   # Apply the storage schema
  gocredit balance   # Show a user's balance
  gocredit allocate  # Grant credits to a user
  gocredit validate  # Validate configuration

Without --config, configuration is read from GOCREDIT_* environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}
