// File: cmd/shipctl/plan.go
// Brief: CLI command wiring and implementation for 'plan'.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/pipeline"
)

func newPlanCommand(configPath, logLevel, hostID *string) *cobra.Command {
	var (
		sourceDir    string
		manifestPath string
		showDiffs    bool
	)
	cmd := &cobra.Command{
		Use:   "plan --source DIR",
		Short: "Preview what an update would change without touching the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := newRunContext(*configPath, *logLevel, *hostID)
			if err != nil {
				return err
			}
			defer rc.close()

			m, err := loadManifestFile(resolveManifestPath(sourceDir, manifestPath), true)
			if err != nil {
				return err
			}
			entries, err := pipeline.Preview(sourceDir, rc.cfg.AppDir, m)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Plan for version %s (%d files):\n", m.Version, len(entries))
			actionColor := map[manifest.Action]*color.Color{
				manifest.ActionSkip:          color.New(color.FgHiBlack),
				manifest.ActionReplace:       color.New(color.FgGreen),
				manifest.ActionBackupReplace: color.New(color.FgGreen),
				manifest.ActionMergeTOML:     color.New(color.FgCyan),
				manifest.ActionMergeJSON:     color.New(color.FgCyan),
			}
			for _, entry := range entries {
				c := actionColor[entry.Action]
				if c == nil {
					c = color.New()
				}
				c.Fprintf(w, "  %-15s %s\n", entry.Action, entry.Path)
			}
			if showDiffs {
				for _, entry := range entries {
					if entry.Diff == "" {
						continue
					}
					fmt.Fprintf(w, "\n%s\n", entry.Diff)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceDir, "source", "", "Directory containing the new release and its manifest")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest file (default: <source>/"+defaultManifestName+")")
	cmd.Flags().BoolVar(&showDiffs, "diff", true, "Show unified diffs for files that would be merged")
	if err := cmd.MarkFlagRequired("source"); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}
