// File: cmd/shipctl/history.go
// Brief: CLI command listing recorded update runs.

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/shipctl/internal/history"
)

func newHistoryCommand(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded update runs on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := newRunContext(*configPath, "error", "")
			if err != nil {
				return err
			}
			defer rc.close()
			store, err := history.Open(rc.cfg.StateDB)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tVERSION\tOUTCOME\tROLLED BACK\tREASON")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					run.FinishedAt.Local().Format(time.DateTime),
					run.Version,
					colorizeOutcome(run.Outcome),
					run.RolledBack,
					run.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	return cmd
}

func colorizeOutcome(outcome string) string {
	switch outcome {
	case "success":
		return color.GreenString(outcome)
	case "skipped":
		return color.YellowString(outcome)
	default:
		return color.RedString(outcome)
	}
}
