package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ytdash/internal/engine"
	"ytdash/internal/metrics"
)

var (
	scheduleSpec        string
	scheduleMetricsAddr string
	scheduleRunNow      bool
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run incremental syncs on a cron schedule",
		Long: `Run an incremental sync of the channel on a cron schedule and serve
Prometheus metrics while waiting. A tick that fires while the previous sync is
still running is skipped. Ctrl+C aborts the running sync and exits.`,
		Example: `  ytdash schedule --cron "@every 6h"
  ytdash schedule --cron "0 */4 * * *" --metrics-addr :9100
  ytdash schedule --metrics-addr "" --run-now`,
		RunE: scheduleRun,
	}

	cmd.Flags().StringVar(&scheduleSpec, "cron", "", "cron spec (standard 5 fields or @every/@hourly descriptors)")
	cmd.Flags().StringVar(&scheduleMetricsAddr, "metrics-addr", "", "listen address for /metrics; empty keeps the configured one")
	cmd.Flags().BoolVar(&scheduleRunNow, "run-now", false, "sync once immediately before the first tick")

	return cmd
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// scheduler runs one orchestrator batch per tick.
type scheduler struct {
	ctx    context.Context
	app    *app
	opts   engine.SyncOptions
	logger zerolog.Logger
}

func (s *scheduler) job() {
	s.logger.Info().Str("channel_id", s.opts.ChannelID).Msg("scheduled sync starting")
	start := time.Now()

	res, err := s.app.orch.Run(s.ctx, s.opts)
	if err != nil {
		if errors.Is(err, engine.ErrBusy) {
			s.logger.Warn().Msg("previous sync still running, tick skipped")
			return
		}
		s.logger.Error().Err(explain(err)).Msg("scheduled sync failed")
		return
	}
	s.logger.Info().
		Str("state", res.State.String()).
		Int("new", res.Stats.New).
		Int("updated", res.Stats.Updated).
		Dur("took", time.Since(start)).
		Msg("scheduled sync finished")
}

func scheduleRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	cfg := *globalCfg
	cfg.Sync.Mode = string(engine.ModeIncremental)
	if scheduleSpec != "" {
		cfg.Schedule.Cron = scheduleSpec
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Schedule.MetricsAddr = scheduleMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a, err := newApp(ctx, &cfg, logger, m.Sink())
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

	s := &scheduler{
		ctx:    ctx,
		app:    a,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}

	cl := cronLogger{l: s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	jobID, err := c.AddFunc(cfg.Schedule.Cron, s.job)
	if err != nil {
		return fmt.Errorf("failed to schedule sync job: %w", err)
	}
	s.logger.Info().Int("job_id", int(jobID)).Str("schedule", cfg.Schedule.Cron).Str("channel_id", channelID).Msg("sync job scheduled")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Schedule.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.Schedule.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			s.logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		c.Start()
		if scheduleRunNow {
			c.Entry(jobID).WrappedJob.Run()
		}
		<-gctx.Done()

		s.logger.Info().Msg("stopping scheduler")
		_ = a.orch.Abort()
		<-c.Stop().Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}
