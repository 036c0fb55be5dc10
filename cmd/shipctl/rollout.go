// File: cmd/shipctl/rollout.go
// Brief: CLI command reporting this host's staged-rollout eligibility.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/shipctl/internal/history"
	"github.com/example/shipctl/internal/rollout"
)

func newRolloutCommand(configPath, logLevel, hostID *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Inspect staged rollout state",
	}
	cmd.AddCommand(newRolloutCheckCommand(configPath, logLevel, hostID))
	return cmd
}

func newRolloutCheckCommand(configPath, logLevel, hostID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check MANIFEST",
		Short: "Report whether this host would update under the manifest's rollout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(*configPath, *logLevel, *hostID)
			if err != nil {
				return err
			}
			defer rc.close()
			m, err := loadManifestFile(args[0], false)
			if err != nil {
				return err
			}
			host, err := rollout.HostID(rc.cfg.HostID)
			if err != nil {
				return err
			}
			store, err := history.Open(rc.cfg.StateDB)
			if err != nil {
				return err
			}
			defer store.Close()

			selector := &rollout.Selector{Store: store, Log: rc.log}
			eligible, reason, err := selector.ShouldUpdate(host, m.Version, m.Rollout)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "host %s (selector value %d)\n", host, rollout.SelectorValue(host))
			if eligible {
				color.New(color.FgGreen).Fprintf(w, "would update: %s\n", reason)
			} else {
				color.New(color.FgYellow).Fprintf(w, "would not update: %s\n", reason)
			}
			return nil
		},
	}
}
