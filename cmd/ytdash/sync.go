package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ytdash/internal/config"
	"ytdash/internal/engine"
	"ytdash/internal/quota"
	"ytdash/internal/youtube"
)

var (
	syncMode      string
	syncDeepScan  bool
	syncNoShorts  bool
	syncNoRegular bool
	syncNoMeta    bool
	syncResume    bool
	syncMaxPages  int
	syncMaxVideos int
	syncPageSize  int
	syncCacheTTL  time.Duration
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a channel's uploads",
		Long: `Sync walks the channel's uploads page by page and stores new videos and
refreshed metadata. A full sync stops when the channel runs out of pages or
after several pages in a row bring nothing new; an incremental sync also stops
after --max-pages pages or --max-videos videos.

Press Ctrl+C once to abort after the current step. The last page cursor is
kept, so "ytdash sync --resume" continues where the batch stopped.`,
		Example: `  ytdash sync --channel UCxxxxxxxxxxxxxxxxxxxxxx
  ytdash sync --channel @somecreator --mode incremental
  ytdash sync --deep-scan --no-shorts
  ytdash sync --resume`,
		RunE: syncRun,
	}

	cmd.Flags().StringVar(&syncMode, "mode", "", "sync mode: full or incremental")
	cmd.Flags().BoolVar(&syncDeepScan, "deep-scan", false, "keep walking past pages with no new videos")
	cmd.Flags().BoolVar(&syncNoShorts, "no-shorts", false, "skip shorts")
	cmd.Flags().BoolVar(&syncNoRegular, "no-regular", false, "skip regular videos")
	cmd.Flags().BoolVar(&syncNoMeta, "no-metadata", false, "do not refresh already-known videos")
	cmd.Flags().BoolVar(&syncResume, "resume", false, "continue from the cursor of an interrupted batch")
	cmd.Flags().IntVar(&syncMaxPages, "max-pages", 0, "incremental page limit")
	cmd.Flags().IntVar(&syncMaxVideos, "max-videos", 0, "incremental video limit")
	cmd.Flags().IntVar(&syncPageSize, "page-size", 0, "videos per page (1-50)")
	cmd.Flags().DurationVar(&syncCacheTTL, "cache-ttl", 0, "reuse page results for this long")

	return cmd
}

// applySyncFlags overrides the sync section with the flags that were set.
func applySyncFlags(cfg *config.Config) {
	if syncMode != "" {
		cfg.Sync.Mode = syncMode
	}
	if syncDeepScan {
		cfg.Sync.DeepScan = true
	}
	if syncNoShorts {
		cfg.Sync.IncludeShorts = false
	}
	if syncNoRegular {
		cfg.Sync.IncludeRegular = false
	}
	if syncNoMeta {
		cfg.Sync.SyncMetadata = false
	}
	if syncMaxPages > 0 {
		cfg.Sync.MaxPages = syncMaxPages
	}
	if syncMaxVideos > 0 {
		cfg.Sync.MaxVideos = syncMaxVideos
	}
	if syncPageSize > 0 {
		cfg.Sync.PageSize = syncPageSize
	}
	if syncCacheTTL > 0 {
		cfg.Sync.CacheTTL = syncCacheTTL
	}
}

func syncRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	cfg := *globalCfg
	applySyncFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, &cfg, logger, newPrinter(cmd.OutOrStdout()).Sink())
	if err != nil {
		return explain(err)
	}
	defer a.Close()

	channelID, err := a.resolveChannel(ctx, cfg.Channel)
	if err != nil {
		return explain(err)
	}
	opts, err := syncOptions(&cfg, channelID)
	if err != nil {
		return err
	}
	opts.Resume = syncResume

	// First signal aborts the batch cleanly, the second one kills the process.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(cmd.ErrOrStderr(), "aborting, press Ctrl+C again to quit immediately")
			_ = a.orch.Abort()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			os.Exit(130)
		case <-ctx.Done():
		}
	}()

	res, err := a.orch.Run(ctx, opts)
	if res != nil {
		printSummary(cmd, res)
	}
	return explain(err)
}

func printSummary(cmd *cobra.Command, res *engine.BatchResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nrun %s %s", res.RunID, res.State)
	if res.StopReason != "" {
		fmt.Fprintf(out, " (%s)", res.StopReason)
	}
	fmt.Fprintf(out, " in %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))
	fmt.Fprintf(out, "  pages %d  processed %d  new %d  updated %d  errors %d  quota used %d\n",
		res.PagesProcessed, res.Stats.Processed, res.Stats.New, res.Stats.Updated, res.Stats.Errors, res.QuotaUsed)
	for _, ie := range res.Errors {
		fmt.Fprintf(out, "  ! %s %q: %s\n", ie.VideoID, ie.Title, ie.Reason)
	}
	if res.State == engine.StateAborted && res.LastCursor != "" {
		fmt.Fprintln(out, "  run \"ytdash sync --resume\" to continue")
	}
}

// explain turns engine, quota and auth errors into their user-facing message.
func explain(err error) error {
	if err == nil {
		return nil
	}
	var se *engine.SyncError
	if errors.As(err, &se) {
		return errors.New(se.UserMessage())
	}
	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		return errors.New(qe.UserMessage())
	}
	if errors.Is(err, youtube.ErrAuthenticationRequired) {
		return fmt.Errorf("%w: reconnect your YouTube account with \"ytdash auth\"", err)
	}
	return err
}
