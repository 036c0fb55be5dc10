// File: cmd/shipctl/check.go
// Brief: CLI commands running the requirements and conditional engines standalone.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/shipctl/internal/checks"
	"github.com/example/shipctl/internal/conditions"
	"github.com/example/shipctl/internal/runner"
)

func newCheckCommand(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a single pipeline gate against this host",
	}
	cmd.AddCommand(
		newCheckRequirementsCommand(configPath, logLevel),
		newCheckConditionalsCommand(configPath, logLevel),
	)
	return cmd
}

func newCheckRequirementsCommand(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requirements MANIFEST",
		Short: "Verify this host meets the manifest's requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(*configPath, *logLevel, "")
			if err != nil {
				return err
			}
			defer rc.close()
			m, err := loadManifestFile(args[0], false)
			if err != nil {
				return err
			}
			run := runner.Exec{}
			eval := &conditions.Evaluator{
				Runner:      run,
				AppDir:      rc.cfg.AppDir,
				VersionFile: rc.cfg.VersionMarkerPath(),
				Log:         rc.log,
			}
			checker := &checks.Requirements{
				Runner:         run,
				AppDir:         rc.cfg.AppDir,
				CurrentVersion: eval.CurrentVersion(cmd.Context()),
			}
			ok, problems := checker.Check(cmd.Context(), m.Requirements)
			w := cmd.OutOrStdout()
			if ok {
				color.New(color.FgGreen).Fprintln(w, "All requirements satisfied.")
				return nil
			}
			color.New(color.FgRed).Fprintln(w, "Requirements not met:")
			for _, problem := range problems {
				fmt.Fprintf(w, "  - %s\n", problem)
			}
			return fmt.Errorf("%d requirement(s) failed", len(problems))
		},
	}
}

func newCheckConditionalsCommand(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "conditionals MANIFEST",
		Short: "Evaluate the manifest's conditional rules against this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(*configPath, *logLevel, "")
			if err != nil {
				return err
			}
			defer rc.close()
			m, err := loadManifestFile(args[0], false)
			if err != nil {
				return err
			}
			eval := &conditions.Evaluator{
				Runner:      runner.Exec{},
				AppDir:      rc.cfg.AppDir,
				VersionFile: rc.cfg.VersionMarkerPath(),
				Log:         rc.log,
			}
			decision := eval.Evaluate(cmd.Context(), m.Conditionals)
			w := cmd.OutOrStdout()
			switch decision.Kind {
			case conditions.Proceed:
				color.New(color.FgGreen).Fprintln(w, "Conditions allow the update to proceed.")
			case conditions.Skip:
				color.New(color.FgYellow).Fprintf(w, "Update would be skipped: %s\n", decision.Message)
			case conditions.Abort:
				color.New(color.FgRed).Fprintf(w, "Manual intervention required: %s\n", decision.Message)
				for i, step := range decision.ManualSteps {
					fmt.Fprintf(w, "  %d. %s\n", i+1, step)
				}
			}
			return nil
		},
	}
}
