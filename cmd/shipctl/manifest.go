// File: cmd/shipctl/manifest.go
// Brief: CLI command wiring for 'manifest validate'.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect update manifests",
	}
	cmd.AddCommand(newManifestValidateCommand())
	return cmd
}

func newManifestValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a manifest and summarize what it declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifestFile(args[0], false)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(w, "Manifest OK: version %s\n", m.Version)
			fmt.Fprintf(w, "  file rules:        %d\n", len(m.Files))
			fmt.Fprintf(w, "  directory rules:   %d\n", len(m.Directories))
			fmt.Fprintf(w, "  merge strategies:  %d\n", len(m.MergeStrategies))
			fmt.Fprintf(w, "  conditionals:      %d\n", len(m.Conditionals))
			fmt.Fprintf(w, "  migrations:        %d\n", len(m.Migrations))
			fmt.Fprintf(w, "  post-update tests: %d\n", len(m.PostUpdateTests))
			fmt.Fprintf(w, "  pre/post hooks:    %d/%d\n", len(m.Hooks.PreUpdate), len(m.Hooks.PostUpdate))
			if len(m.Rollout.Stages) > 0 {
				fmt.Fprintf(w, "  rollout stages:\n")
				for _, stage := range m.Rollout.Stages {
					fmt.Fprintf(w, "    - %s: %d%%", stage.Name, stage.Percentage)
					if stage.Criteria != "" {
						fmt.Fprintf(w, " (criteria: %s)", stage.Criteria)
					}
					if stage.WaitHours > 0 {
						fmt.Fprintf(w, " wait %.1fh", stage.WaitHours)
					}
					fmt.Fprintln(w)
				}
			}
			if len(m.Rollback.AutoRollbackOn) > 0 {
				fmt.Fprintf(w, "  auto rollback on:  %v\n", m.Rollback.AutoRollbackOn)
			}
			return nil
		},
	}
}
