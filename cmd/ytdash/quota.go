package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show today's API quota usage",
		Long: `Show how much of the owner's daily YouTube Data API budget has been used.
The day rolls over at midnight in the configured quota timezone.`,
		Example: `  ytdash quota --owner u1`,
		RunE:    quotaRun,
	}
}

func quotaRun(cmd *cobra.Command, args []string) error {
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

	status := newTracker(globalCfg, st, logger).CheckStatus(cmd.Context())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Quota for %s on %s\n", globalCfg.OwnerID, status.Day)
	fmt.Fprintf(out, "  used       %d / %d (%.1f%%)\n", status.Used, status.Limit, status.PercentageUsed)
	fmt.Fprintf(out, "  remaining  %d\n", status.Remaining)
	fmt.Fprintf(out, "  resets     %s\n", status.ResetTime.Format("Jan 2 15:04 MST"))
	switch {
	case status.IsExceeded:
		fmt.Fprintln(out, "  status     exhausted")
	case status.Caution:
		fmt.Fprintln(out, "  status     caution")
	default:
		fmt.Fprintln(out, "  status     ok")
	}
	if status.Optimistic {
		fmt.Fprintln(out, "  (ledger unavailable, usage assumed)")
	}
	return nil
}
