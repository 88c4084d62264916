package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ytdash/internal/config"
	"ytdash/internal/logging"
)

var (
	// Global flags
	cfgPath   string
	ownerID   string
	channel   string
	logLevel  string
	logFormat string

	globalCfg *config.Config
	logger    = zerolog.Nop()
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ytdash",
		Short: "Sync a YouTube channel's uploads into the dashboard store",
		Long: `ytdash walks a channel's uploads page by page through the YouTube Data API,
stores every video with its metadata and keeps the owner's daily API quota in
check. Batches can be paused, aborted and resumed from the last page.`,
		Example: `  ytdash sync --owner u1 --channel @somecreator
  ytdash sync --mode incremental --max-pages 2
  ytdash quota
  ytdash runs --limit 5
  ytdash schedule --cron "@every 6h"`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Command-line flags win over file and env.
			if ownerID != "" {
				cfg.OwnerID = ownerID
			}
			if channel != "" {
				cfg.Channel = channel
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			l, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger = l
			globalCfg = cfg
			logger.Debug().Str("config", cfgPath).Str("owner_id", cfg.OwnerID).Msg("config loaded")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (ytdash.yaml is auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&ownerID, "owner", "", "dashboard owner ID")
	cmd.PersistentFlags().StringVar(&channel, "channel", "", "channel ID, @handle or URL")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console or json)")

	cmd.AddCommand(
		newSyncCmd(),
		newQuotaCmd(),
		newRunsCmd(),
		newAuthCmd(),
		newScheduleCmd(),
		newConfigCmd(),
	)

	return cmd
}
