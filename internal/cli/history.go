package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stagehand/internal/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs",
		Long: `List runs recorded with run --history, newest first.
With a run id, print that run's summary as JSON.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return usageError(err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.bind(cmd, "history")
			path := a.v.GetString("history")
			if path == "" {
				return usageError(errors.New("--history is required"))
			}

			store, err := history.Open(path)
			if err != nil {
				return failure(err)
			}
			defer store.Close()

			if len(args) == 1 {
				entry, err := store.Get(args[0])
				if err != nil {
					return failure(err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}

			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := store.List(limit)
			if err != nil {
				return failure(err)
			}
			printHistory(cmd, entries)
			return nil
		},
	}
	cmd.Flags().String("history", "", "History database path")
	cmd.Flags().IntP("limit", "n", 20, "Maximum runs to list, 0 for all")
	return cmd
}

func printHistory(cmd *cobra.Command, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN ID\tNAME\tRESULT\tDURATION\tREQUESTS\tFAILED\tCHECKS\tP95")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.1f%%\t%.1f%%\t%.0fms\n",
			e.StartTime.Local().Format(time.DateTime),
			e.ID,
			e.Name,
			verdict(e),
			e.Duration.Round(time.Second),
			e.Requests,
			e.FailedRate*100,
			e.ChecksRate*100,
			e.P95LatencyMs,
		)
	}
	_ = tw.Flush()
}

func verdict(e history.Entry) string {
	switch {
	case e.Cancelled:
		return "interrupted"
	case e.Passed:
		return "passed"
	default:
		return "failed"
	}
}
