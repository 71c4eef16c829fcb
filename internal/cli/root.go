package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	rootConfig string
	rootServer string
	rootJSON   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "Path to opwarden.yaml (default ~/.opwarden/opwarden.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootServer, "server", os.Getenv("OPWARDEN_SERVER"), "gRPC address of a running opwarden server; empty runs in-process")
	rootCmd.PersistentFlags().BoolVar(&rootJSON, "json", false, "Print results as JSON")
}

var rootCmd = &cobra.Command{
	Use:           "opwarden",
	Short:         "Authorization and audit gate for AI agent operations",
	Long:          "Decides whether an agent may perform an operation, learns trust from outcomes,\nflags anomalous behavior and keeps a tamper-evident audit chain of every decision.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
