package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ytdash/internal/quota"
	"ytdash/internal/ratelimit"
	"ytdash/internal/retry"
	"ytdash/internal/storage"
	"ytdash/internal/youtube"
)

// PageSyncer syncs one page. Executor and CachedExecutor implement it.
type PageSyncer interface {
	SyncPage(ctx context.Context, opts SyncOptions) (*PageSyncResult, error)
}

// Executor fetches one page of uploads and writes it to storage.
type Executor struct {
	provider youtube.Provider
	videos   storage.VideoStore
	quota    *quota.Tracker
	window   *ratelimit.Window
	pacer    *ratelimit.Pacer
	retry    retry.Config
	sleep    retry.Sleeper
	onRetry  retry.Notify
	now      func() time.Time
	logger   zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRateWindow replaces the default sliding window (10 requests per minute).
func WithRateWindow(w *ratelimit.Window) ExecutorOption {
	return func(e *Executor) { e.window = w }
}

// WithPacer replaces the default 30s minimum spacing between pages.
func WithPacer(p *ratelimit.Pacer) ExecutorOption {
	return func(e *Executor) { e.pacer = p }
}

// WithRetryConfig sets the attempt count and backoff schedule.
func WithRetryConfig(cfg retry.Config) ExecutorOption {
	return func(e *Executor) { e.retry = cfg }
}

// WithRetrySleeper replaces the sleep used between attempts.
func WithRetrySleeper(s retry.Sleeper) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithRetryNotify is called before each backoff sleep.
func WithRetryNotify(n retry.Notify) ExecutorOption {
	return func(e *Executor) { e.onRetry = n }
}

// WithExecutorClock sets the clock used for metadata timestamps.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor. tracker may be nil to skip quota accounting.
func NewExecutor(provider youtube.Provider, videos storage.VideoStore, tracker *quota.Tracker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider: provider,
		videos:   videos,
		quota:    tracker,
		window:   ratelimit.NewWindow(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow, nil),
		pacer:    ratelimit.NewPacer(ratelimit.DefaultMinInterval),
		retry:    retry.DefaultConfig(),
		sleep:    retry.Sleep,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// SyncPage fetches the page at opts.PageCursor and upserts its videos.
// Provider rate limits, transient failures and false successes are retried;
// quota and authentication failures are returned at once. Errors are *SyncError.
func (e *Executor) SyncPage(ctx context.Context, opts SyncOptions) (*PageSyncResult, error) {
	opts = opts.normalized()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		result    *PageSyncResult
		quotaUsed int
	)
	r := &retry.Retrier{
		Config:     e.retry,
		Classifier: retryable,
		Sleep:      e.sleep,
		Notify: func(attempt int, err error, wait time.Duration) {
			e.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Str("cursor", opts.PageCursor).
				Msg("page sync failed, retrying")
			if e.onRetry != nil {
				e.onRetry(attempt, err, wait)
			}
		},
	}

	err := r.Do(ctx, func(ctx context.Context) error {
		res, calls, err := e.attempt(ctx, opts)
		quotaUsed += calls
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		se := toSyncError(err)
		e.logger.Debug().Err(se).Str("kind", se.Kind.String()).Int("quota_used", quotaUsed).Msg("page sync failed")
		return nil, se
	}

	result.QuotaUsed = quotaUsed
	e.logger.Debug().
		Int("videos", result.PageStats.VideosInPage).
		Int("new", result.Stats.New).
		Int("updated", result.Stats.Updated).
		Int("errors", result.Stats.Errors).
		Bool("has_next", result.HasMorePages()).
		Msg("page synced")
	return result, nil
}

// pageCost is the number of requests one page attempt may make: the list
// call (plus a channel lookup when the provider needs one) and one details
// call. It is reserved in both the quota ledger and the rate window.
func (e *Executor) pageCost(channelID string) int {
	return youtube.ListCost(e.provider, channelID) + 1
}

// attempt runs one try. The returned call count is what the provider charged.
func (e *Executor) attempt(ctx context.Context, opts SyncOptions) (*PageSyncResult, int, error) {
	cost := e.pageCost(opts.ChannelID)
	if e.quota != nil {
		st, err := e.quota.CanProceed(ctx, cost)
		if err != nil {
			return nil, 0, retry.Permanent(&SyncError{Kind: KindQuotaExceeded, Err: err, ResetTime: st.ResetTime})
		}
	}
	if e.window != nil && !e.window.TryAcquireN(cost) {
		return nil, 0, retry.Permanent(&SyncError{Kind: KindRateLimited, Wait: e.window.RemainingWaitN(cost)})
	}
	if err := e.pacer.Wait(ctx); err != nil {
		return nil, 0, err
	}

	calls := 0
	// Quota is charged even when the call failed or ctx was cancelled.
	defer func() { e.charge(context.WithoutCancel(ctx), calls) }()

	list, err := e.provider.ListPage(ctx, youtube.PageRequest{
		ChannelID: opts.ChannelID,
		Cursor:    opts.PageCursor,
		PageSize:  opts.MaxVideosPerPage,
	})
	if !errors.Is(err, youtube.ErrCircuitOpen) {
		calls += chargedCalls(list)
	}
	if err != nil {
		return nil, calls, youtube.Classify("playlistItems.list", err)
	}

	var details []youtube.VideoDetails
	if len(list.VideoIDs) > 0 {
		details, err = e.provider.FetchDetails(ctx, list.VideoIDs)
		if !errors.Is(err, youtube.ErrCircuitOpen) {
			calls++
		}
		if err != nil {
			return nil, calls, youtube.Classify("videos.list", err)
		}
	}

	res := &PageSyncResult{
		NextPageCursor: list.NextCursor,
		TotalResults:   list.TotalResults,
	}
	res.PageStats.VideosInPage = len(list.VideoIDs)

	// Once fetched, the page is written in full even if an abort arrives.
	wctx := context.WithoutCancel(ctx)
	for _, d := range details {
		e.syncItem(wctx, opts, d, res)
	}

	res.Stats.Errors = len(res.Errors)
	res.PageStats.NewInPage = res.Stats.New
	res.PageStats.UpdatedInPage = res.Stats.Updated
	res.PageStats.IsEmptyPage = res.Stats.New == 0

	if isFalseSuccess(res) {
		return nil, calls, &SyncError{
			Kind: KindInvalidResponse,
			Err:  fmt.Errorf("%w: %d ids listed, %d detailed", ErrFalseSuccess, len(list.VideoIDs), len(details)),
		}
	}
	return res, calls, nil
}

// isFalseSuccess flags a page that did nothing without explanation. A last
// page with no items and pages fully removed by the filters are legitimate.
func isFalseSuccess(res *PageSyncResult) bool {
	if res.Stats.Processed != 0 || res.Stats.New != 0 || res.Stats.Updated != 0 || len(res.Errors) != 0 {
		return false
	}
	if res.PageStats.FilteredOut > 0 {
		return false
	}
	if res.PageStats.VideosInPage == 0 && !res.HasMorePages() {
		return false
	}
	return true
}

func chargedCalls(list *youtube.ListResult) int {
	if list == nil || list.Calls <= 0 {
		return 1
	}
	return list.Calls
}

func (e *Executor) charge(ctx context.Context, calls int) {
	if e.quota == nil || calls <= 0 {
		return
	}
	if err := e.quota.RecordUsage(ctx, calls); err != nil {
		e.logger.Warn().Err(err).Int("calls", calls).Msg("failed to record quota usage")
	}
}

func (e *Executor) syncItem(ctx context.Context, opts SyncOptions, d youtube.VideoDetails, res *PageSyncResult) {
	short := youtube.IsShort(d.DurationSeconds)
	if (short && !opts.IncludeShorts) || (!short && !opts.IncludeRegular) {
		res.PageStats.FilteredOut++
		return
	}

	fail := func(reason string, err error) {
		res.Errors = append(res.Errors, ItemError{VideoID: d.ID, Title: d.Title, Reason: fmt.Sprintf("%s: %v", reason, err)})
		e.logger.Warn().Err(err).Str("video_id", d.ID).Msg(reason)
	}

	fields := storage.VideoFields{
		Title:           d.Title,
		Description:     d.Description,
		PublishedAt:     d.PublishedAt,
		DurationSeconds: d.DurationSeconds,
		IsShort:         short,
		PrivacyStatus:   d.PrivacyStatus,
	}

	existing, err := e.videos.FindByExternalID(ctx, d.ID, opts.OwnerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		channelID := d.ChannelID
		if channelID == "" {
			channelID = opts.ChannelID
		}
		v := &storage.Video{OwnerID: opts.OwnerID, ExternalID: d.ID, ChannelID: channelID}
		fields.Apply(v)
		if err := e.videos.InsertVideo(ctx, v); err != nil {
			fail("insert failed", err)
			return
		}
		res.Stats.Processed++
		res.Stats.New++
		if err := e.videos.UpsertMetadata(ctx, e.metadata(v.ID, d)); err != nil {
			fail("metadata upsert failed", err)
		}

	case err != nil:
		fail("lookup failed", err)

	default:
		res.Stats.Processed++
		if !opts.SyncMetadata {
			return
		}
		if err := e.videos.UpdateVideo(ctx, existing.ID, fields); err != nil {
			fail("update failed", err)
			return
		}
		if err := e.videos.UpsertMetadata(ctx, e.metadata(existing.ID, d)); err != nil {
			fail("metadata upsert failed", err)
			return
		}
		res.Stats.Updated++
	}
}

func (e *Executor) metadata(videoID string, d youtube.VideoDetails) *storage.VideoMetadata {
	return &storage.VideoMetadata{
		VideoID:      videoID,
		ViewCount:    d.ViewCount,
		LikeCount:    d.LikeCount,
		CommentCount: d.CommentCount,
		Thumbnails:   d.Thumbnails,
		SyncedAt:     e.now().UTC(),
	}
}
