package main

import (
	"os"

	"github.com/spf13/cobra"

	glog "github.com/shadowhook/vtxhook/internal/log"
)

var (
	debug      bool
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shadowhookctl",
		Short: "Install, enable, watch, and replay shadow-hook engine sessions",
		Long: `shadowhookctl drives the shadow-hook engine against a userspace
simulation of its EPT, VMCS, and guest-memory collaborators.

It reads a YAML config describing which patches, inline hooks, and memory
monitors to install, then enables page shadowing across the configured
number of simulated logical processors.

Examples:
  shadowhookctl simulate -c session.yaml      # install targets, enable hooks, print a summary
  shadowhookctl watch -c session.yaml         # same, with a live TUI trace feed
  shadowhookctl serve -c session.yaml -l :8080  # same, with a JSON introspection endpoint`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			glog.Init(debug)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to session YAML config (required)")

	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
