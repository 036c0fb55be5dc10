// main.go bootstraps shipctl: it builds the root Cobra command and executes
// it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		hostID     string
	)
	cmd := &cobra.Command{
		Use:           "shipctl",
		Short:         "Manifest-driven update orchestrator for single-host deployments",
		Long:          "shipctl applies declarative update manifests to one host: staged rollouts, config merges, migrations, snapshots, and automatic rollback.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the shipctl settings file (default: /etc/shipctl/ship.toml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level for shipctl output (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&hostID, "host-id", "", "Override the host identity used for rollout selection")

	cmd.AddCommand(
		newUpdateCommand(&configPath, &logLevel, &hostID),
		newPlanCommand(&configPath, &logLevel, &hostID),
		newManifestCommand(),
		newCheckCommand(&configPath, &logLevel),
		newRolloutCommand(&configPath, &logLevel, &hostID),
		newHistoryCommand(&configPath),
		newVersionCommand(),
	)
	return cmd
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
}
