// File: cmd/shipctl/update.go
// Brief: CLI command wiring and implementation for 'update'.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/shipctl/internal/backup"
	"github.com/example/shipctl/internal/checks"
	"github.com/example/shipctl/internal/conditions"
	"github.com/example/shipctl/internal/history"
	"github.com/example/shipctl/internal/notify"
	"github.com/example/shipctl/internal/pipeline"
	"github.com/example/shipctl/internal/rollout"
	"github.com/example/shipctl/internal/runner"
)

func newUpdateCommand(configPath, logLevel, hostID *string) *cobra.Command {
	var (
		sourceDir    string
		manifestPath string
		yes          bool
	)
	cmd := &cobra.Command{
		Use:   "update --source DIR",
		Short: "Apply an update from a source directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := newRunContext(*configPath, *logLevel, *hostID)
			if err != nil {
				return err
			}
			defer rc.close()

			ctx := cmd.Context()
			m, err := loadManifestFile(resolveManifestPath(sourceDir, manifestPath), true)
			if err != nil {
				return err
			}
			host, err := rollout.HostID(rc.cfg.HostID)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := confirmUpdate(cmd, m.Version, rc.cfg.AppDir)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Update cancelled.")
					return nil
				}
			}

			store, err := history.Open(rc.cfg.StateDB)
			if err != nil {
				return err
			}
			defer store.Close()

			run := runner.Exec{}
			eval := &conditions.Evaluator{
				Runner:      run,
				AppDir:      rc.cfg.AppDir,
				VersionFile: rc.cfg.VersionMarkerPath(),
				Log:         rc.log,
			}
			current := eval.CurrentVersion(ctx)

			p := &pipeline.Pipeline{
				Log:        rc.log,
				Runner:     run,
				Rollout:    &rollout.Selector{Store: store, Log: rc.log},
				Conditions: eval,
				Requirements: &checks.Requirements{
					Runner:         run,
					AppDir:         rc.cfg.AppDir,
					CurrentVersion: current,
				},
				Security: &checks.Security{Log: rc.log},
				Backups: &backup.Provider{
					Runner:    run,
					AppDir:    rc.cfg.AppDir,
					BackupDir: rc.cfg.BackupDir,
					Log:       rc.log,
				},
				Notifier:       &notify.Sender{Log: rc.log},
				History:        store,
				AppDir:         rc.cfg.AppDir,
				VersionFile:    rc.cfg.VersionMarkerPath(),
				HostID:         host,
				CurrentVersion: current,
			}

			out := p.Run(ctx, sourceDir, m)
			printOutcome(cmd, out, current)
			if out.Kind == pipeline.OutcomeFailed {
				return fmt.Errorf("update to %s failed: %s", out.Version, out.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceDir, "source", "", "Directory containing the new release and its manifest")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest file (default: <source>/"+defaultManifestName+")")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	if err := cmd.MarkFlagRequired("source"); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}

func confirmUpdate(cmd *cobra.Command, version, appDir string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "Update %s to version %s? [y/N] ", appDir, version)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, errors.New("refusing to proceed without confirmation; rerun with --yes")
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func printOutcome(cmd *cobra.Command, out pipeline.Outcome, previousVersion string) {
	w := cmd.OutOrStdout()
	switch out.Kind {
	case pipeline.OutcomeSuccess:
		color.New(color.FgGreen).Fprintf(w, "Updated %s -> %s\n", previousVersion, out.Version)
	case pipeline.OutcomeSkipped:
		color.New(color.FgYellow).Fprintf(w, "Update skipped: %s\n", out.Reason)
	case pipeline.OutcomeFailed:
		color.New(color.FgRed).Fprintf(w, "Update failed: %s\n", out.Reason)
		if out.RolledBack {
			fmt.Fprintln(w, "The previous version was restored from the snapshot.")
		}
		if len(out.ManualSteps) > 0 {
			fmt.Fprintln(w, "Manual steps required:")
			for i, step := range out.ManualSteps {
				fmt.Fprintf(w, "  %d. %s\n", i+1, step)
			}
		}
	}
}
