package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsLimit int

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		Long: `List the most recent batches for the owner, newest first. With --channel
only that channel's runs are shown.`,
		Example: `  ytdash runs
  ytdash runs --channel UCxxxxxxxxxxxxxxxxxxxxxx --limit 5`,
		RunE: runsRun,
	}
	cmd.Flags().IntVar(&runsLimit, "limit", 10, "maximum runs to show")
	return cmd
}

func runsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.OwnerID == "" {
		return fmt.Errorf("owner_id is not configured")
	}

	st, err := openStore(globalCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListSyncRuns(cmd.Context(), globalCfg.OwnerID, globalCfg.Channel, runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tCHANNEL\tMODE\tSTATUS\tPAGES\tNEW\tUPDATED\tERRORS\tDURATION")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.ChannelID, r.Mode, r.Status,
			r.PagesProcessed, r.New, r.Updated, r.Errors, dur)
	}
	return w.Flush()
}
