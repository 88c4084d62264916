package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"ytdash/internal/config"
	"ytdash/internal/engine"
	"ytdash/internal/quota"
	"ytdash/internal/ratelimit"
	"ytdash/internal/storage"
	"ytdash/internal/youtube"
)

// app wires the sync engine from configuration. One app serves one owner.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    storage.Store
	tracker  *quota.Tracker
	client   *youtube.DataClient
	limits   *ratelimit.Registry
	reporter *engine.Reporter
	orch     *engine.Orchestrator
	cache    *engine.CachedExecutor
}

// openStore opens the configured backend.
func openStore(cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	st, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store at %s: %w", cfg.Storage.Driver, cfg.Storage.Path, err)
	}
	return st, nil
}

// newTracker builds the owner's quota tracker over st.
func newTracker(cfg *config.Config, st storage.QuotaLedger, logger zerolog.Logger) *quota.Tracker {
	return quota.NewTracker(st, cfg.OwnerID,
		quota.WithLimit(cfg.Quota.DailyLimit),
		quota.WithLocation(quota.LoadLocation(cfg.Quota.Timezone)),
		quota.WithLogger(logger),
	)
}

// clientOptions picks OAuth when client credentials are configured and an
// API key otherwise.
func clientOptions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]option.ClientOption, error) {
	if cfg.UsesOAuth() {
		conf := youtube.OAuthConfig(cfg.YouTube.ClientID, cfg.YouTube.ClientSecret, cfg.YouTube.RedirectURL)
		ts, err := youtube.TokenSource(ctx, conf, youtube.NewFileTokenStore(cfg.YouTube.TokenFile), cfg.OwnerID, logger)
		if err != nil {
			return nil, err
		}
		if err := youtube.EnsureToken(ts); err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithTokenSource(ts)}, nil
	}
	if cfg.YouTube.APIKey != "" {
		return []option.ClientOption{option.WithAPIKey(cfg.YouTube.APIKey)}, nil
	}
	return nil, &youtube.APIError{
		Op:   "configure",
		Kind: youtube.ErrAuthenticationRequired,
		Err:  errors.New("set youtube.client_id/client_secret or youtube.api_key"),
	}
}

// newApp builds every component a batch needs. Extra sinks are subscribed to
// the orchestrator's reporter.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, sinks ...engine.Sink) (*app, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner_id is not configured", engine.ErrInvalidOptions)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts, err := clientOptions(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	client, err := youtube.NewDataClient(ctx, logger, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		tracker:  newTracker(cfg, st, logger),
		client:   client,
		limits:   ratelimit.NewRegistry(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, nil),
		reporter: engine.NewReporter(logger, append([]engine.Sink{engine.LogSink(logger)}, sinks...)...),
	}

	var orch *engine.Orchestrator
	provider := youtube.NewBreakerProvider(client, youtube.DefaultBreakerConfig())
	exec := engine.NewExecutor(provider, st, a.tracker,
		engine.WithRateWindow(a.limits.Get(cfg.OwnerID)),
		engine.WithPacer(ratelimit.NewPacer(cfg.RateLimit.MinInterval)),
		engine.WithRetryConfig(cfg.RetryPolicy()),
		engine.WithRetryNotify(func(attempt int, err error, wait time.Duration) {
			orch.NotifyRetry(attempt, err, wait)
		}),
		engine.WithExecutorLogger(logger),
	)

	var pages engine.PageSyncer = exec
	if cfg.Sync.CacheTTL > 0 {
		a.cache = engine.NewCachedExecutor(exec, 0, cfg.Sync.CacheTTL)
		pages = a.cache
	}

	orch = engine.NewOrchestrator(pages,
		engine.WithQuotaTracker(a.tracker),
		engine.WithRunStore(st),
		engine.WithCursorStore(st),
		engine.WithReporter(a.reporter),
		engine.WithPollInterval(cfg.Sync.PollInterval),
		engine.WithAdaptiveDelay(engine.AdaptiveDelay{
			Floor:          cfg.Sync.DelayFloor,
			Ceiling:        cfg.Sync.DelayCeiling,
			ReferenceSpeed: cfg.Sync.ReferenceSpeed,
		}),
		engine.WithLogger(logger),
	)
	a.orch = orch
	return a, nil
}

// Close releases the store.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close store")
	}
}

// resolveChannel turns the configured channel reference into an ID and
// charges the lookup against the quota.
func (a *app) resolveChannel(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: no channel given", engine.ErrInvalidOptions)
	}
	if _, err := a.tracker.CanProceed(ctx, 1); err != nil {
		return "", err
	}
	id, calls, err := a.client.ResolveChannel(ctx, ref)
	if calls > 0 {
		if rerr := a.tracker.RecordUsage(context.WithoutCancel(ctx), calls); rerr != nil {
			a.logger.Warn().Err(rerr).Int("calls", calls).Msg("failed to record quota usage")
		}
	}
	if err != nil {
		return "", fmt.Errorf("resolve channel %q: %w", ref, err)
	}
	return id, nil
}

// syncOptions maps the sync section onto engine options.
func syncOptions(cfg *config.Config, channelID string) (engine.SyncOptions, error) {
	mode, err := engine.ParseMode(cfg.Sync.Mode)
	if err != nil {
		return engine.SyncOptions{}, err
	}
	opts := engine.DefaultOptions(cfg.OwnerID, channelID)
	opts.Mode = mode
	opts.IncludeRegular = cfg.Sync.IncludeRegular
	opts.IncludeShorts = cfg.Sync.IncludeShorts
	opts.SyncMetadata = cfg.Sync.SyncMetadata
	opts.MaxVideosPerPage = cfg.Sync.PageSize
	opts.DeepScan = cfg.Sync.DeepScan
	opts.MaxConsecutiveEmptyPages = cfg.Sync.MaxConsecutiveEmptyPages
	if mode == engine.ModeIncremental {
		opts.MaxPages = cfg.Sync.MaxPages
		opts.MaxVideos = cfg.Sync.MaxVideos
	}
	return opts, opts.Validate()
}
