package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ytdash/internal/quota"
	"ytdash/internal/retry"
	"ytdash/internal/storage"
)

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a batch is in progress.
func (s State) Active() bool { return s == StateRunning || s == StatePaused }

// ErrNotRunning is returned by Pause, Resume and Abort when no batch is active.
var ErrNotRunning = errors.New("sync: no batch is running")

// StopReason explains why a batch ended.
type StopReason string

const (
	StopExhausted   StopReason = "exhausted"
	StopEmptyPage   StopReason = "empty_page"
	StopEmptyStreak StopReason = "empty_streak"
	StopPageLimit   StopReason = "page_limit"
	StopVideoLimit  StopReason = "video_limit"
	StopAborted     StopReason = "aborted"
	StopError       StopReason = "error"
)

// DefaultPollInterval is how often a paused batch checks for resume or abort.
const DefaultPollInterval = time.Second

// AdaptiveDelay is the pause between pages. It shrinks linearly from Ceiling
// to Floor as throughput approaches ReferenceSpeed (videos per minute).
type AdaptiveDelay struct {
	Floor          time.Duration
	Ceiling        time.Duration
	ReferenceSpeed float64
}

// DefaultAdaptiveDelay returns a 2s to 15s delay reaching the floor at 100 videos/min.
func DefaultAdaptiveDelay() AdaptiveDelay {
	return AdaptiveDelay{Floor: 2 * time.Second, Ceiling: 15 * time.Second, ReferenceSpeed: 100}
}

// For returns the delay after a page given the observed speed.
func (a AdaptiveDelay) For(speed float64) time.Duration {
	if a.Ceiling <= a.Floor {
		return a.Floor
	}
	if a.ReferenceSpeed <= 0 || speed <= 0 {
		return a.Ceiling
	}
	ratio := math.Min(speed/a.ReferenceSpeed, 1)
	return a.Ceiling - time.Duration(float64(a.Ceiling-a.Floor)*ratio)
}

// BatchState is the cumulative state of the current or last batch.
type BatchState struct {
	RunID                 string
	State                 State
	TotalStats            Stats
	ConsecutiveEmptyPages int
	PagesProcessed        int
	CurrentPage           int
	VideosSeen            int
	TotalResults          int
	TotalPagesEstimate    int
	StartTime             time.Time
	// ProcessingSpeed is processed videos per minute.
	ProcessingSpeed float64
	ETA             time.Duration
	Cursor          string
	QuotaUsed       int
	Errors          []ItemError
}

// BatchResult is returned by Run.
type BatchResult struct {
	RunID          string
	State          State
	StopReason     StopReason
	Stats          Stats
	PagesProcessed int
	VideosSeen     int
	Errors         []ItemError
	// LastCursor is the cursor the next page would have used; empty when the
	// channel was walked to the end.
	LastCursor string
	QuotaUsed  int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Orchestrator drives a PageSyncer across pages. One batch at a time.
type Orchestrator struct {
	pages    PageSyncer
	quota    *quota.Tracker
	runs     storage.SyncRunStore
	cursors  storage.CursorStore
	reporter *Reporter

	pollInterval time.Duration
	delay        AdaptiveDelay
	sleep        retry.Sleeper
	now          func() time.Time
	newID        func() string
	logger       zerolog.Logger

	mu      sync.Mutex
	state   State
	paused  bool
	aborted bool
	cancel  context.CancelFunc
	batch   BatchState
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithQuotaTracker attaches quota status to quota_check progress.
func WithQuotaTracker(t *quota.Tracker) OrchestratorOption {
	return func(o *Orchestrator) { o.quota = t }
}

// WithRunStore records every batch in the sync run history.
func WithRunStore(s storage.SyncRunStore) OrchestratorOption {
	return func(o *Orchestrator) { o.runs = s }
}

// WithCursorStore persists the cursor after each page for resumption.
func WithCursorStore(s storage.CursorStore) OrchestratorOption {
	return func(o *Orchestrator) { o.cursors = s }
}

// WithReporter sets the progress reporter.
func WithReporter(r *Reporter) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithPollInterval sets how often a paused batch wakes up.
func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithAdaptiveDelay sets the inter-page delay policy.
func WithAdaptiveDelay(d AdaptiveDelay) OrchestratorOption {
	return func(o *Orchestrator) { o.delay = d }
}

// WithSleeper replaces the sleep used for polling and delays.
func WithSleeper(s retry.Sleeper) OrchestratorOption {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithClock sets the clock used for speed and ETA.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator sets the run ID generator.
func WithIDGenerator(f func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if f != nil {
			o.newID = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(pages PageSyncer, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		pages:        pages,
		pollInterval: DefaultPollInterval,
		delay:        DefaultAdaptiveDelay(),
		sleep:        retry.Sleep,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = NewReporter(o.logger)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o
}

// Reporter returns the reporter progress is emitted on.
func (o *Orchestrator) Reporter() *Reporter { return o.reporter }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a copy of the current batch state.
func (o *Orchestrator) Snapshot() BatchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.batch
	b.State = o.state
	b.Errors = append([]ItemError(nil), o.batch.Errors...)
	return b
}

// Pause asks the running batch to stop before its next page.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != StateRunning {
		active := o.state.Active()
		o.mu.Unlock()
		if active {
			return nil
		}
		return ErrNotRunning
	}
	o.paused = true
	o.state = StatePaused
	o.mu.Unlock()

	o.emit(StepPaused, "sync paused", nil)
	return nil
}

// Resume continues a paused batch.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		active := o.state.Active()
		o.mu.Unlock()
		if active {
			return nil
		}
		return ErrNotRunning
	}
	o.paused = false
	o.state = StateRunning
	o.mu.Unlock()

	o.emit(StepResumed, "sync resumed", nil)
	return nil
}

// Abort stops the batch. Any wait ends at once and no further page starts;
// a page already being written is finished first.
func (o *Orchestrator) Abort() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Active() {
		return ErrNotRunning
	}
	o.aborted = true
	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// Reset returns a finished orchestrator to IDLE and clears the batch state.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Active() {
		return ErrBusy
	}
	o.state = StateIdle
	o.batch = BatchState{}
	return nil
}

// NotifyRetry reports an executor retry as progress. Pass it to
// WithRetryNotify when building the executor.
func (o *Orchestrator) NotifyRetry(attempt int, err error, wait time.Duration) {
	o.emit(StepRetry, fmt.Sprintf("attempt %d failed, retrying in %s", attempt, wait.Round(time.Second)), func(p *Progress) {
		p.Err = err
		p.Wait = wait
	})
}

// Run syncs pages until a stop rule fires, the batch is aborted or a fatal
// error occurs. A batch that ends in ERRORED returns its partial result and
// the *SyncError. An aborted batch is not an error.
func (o *Orchestrator) Run(ctx context.Context, opts SyncOptions) (*BatchResult, error) {
	opts = opts.normalized()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.state = StateRunning
	o.paused = false
	o.aborted = false
	o.cancel = cancel
	o.batch = BatchState{
		RunID:     o.newID(),
		State:     StateRunning,
		StartTime: o.now(),
		Cursor:    opts.PageCursor,
	}
	runID := o.batch.RunID
	o.mu.Unlock()
	defer cancel()

	logger := o.logger.With().
		Str("run_id", runID).
		Str("channel_id", opts.ChannelID).
		Str("mode", string(opts.Mode)).
		Logger()

	if opts.PageCursor == "" && opts.Resume {
		opts.PageCursor = o.loadCursor(runCtx, opts, logger)
		o.mu.Lock()
		o.batch.Cursor = opts.PageCursor
		o.mu.Unlock()
	}

	run := o.startRun(runCtx, opts, runID, logger)
	logger.Info().Bool("deep_scan", opts.DeepScan).Str("cursor", opts.PageCursor).Msg("batch sync started")

	res := o.loop(runCtx, opts, logger)

	o.finishRun(context.WithoutCancel(ctx), run, res, logger)
	logger.Info().
		Str("state", res.State.String()).
		Str("reason", string(res.StopReason)).
		Int("pages", res.PagesProcessed).
		Int("processed", res.Stats.Processed).
		Int("new", res.Stats.New).
		Int("updated", res.Stats.Updated).
		Int("errors", res.Stats.Errors).
		Int("quota_used", res.QuotaUsed).
		Msg("batch sync finished")

	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (o *Orchestrator) loop(ctx context.Context, opts SyncOptions, logger zerolog.Logger) *BatchResult {
	cursor := opts.PageCursor

	for {
		if o.stopRequested(ctx) {
			return o.finish(StateAborted, StopAborted, nil, cursor)
		}
		if !o.waitWhilePaused(ctx) {
			return o.finish(StateAborted, StopAborted, nil, cursor)
		}

		o.mu.Lock()
		o.batch.CurrentPage = o.batch.PagesProcessed + 1
		page := o.batch.CurrentPage
		o.mu.Unlock()

		if o.quota != nil {
			st := o.quota.CheckStatus(ctx)
			o.emit(StepQuotaCheck, fmt.Sprintf("quota %d/%d used", st.Used, st.Limit), func(p *Progress) { p.Quota = &st })
		}
		o.emit(StepPageStart, fmt.Sprintf("fetching page %d", page), nil)

		pageOpts := opts
		pageOpts.PageCursor = cursor
		res, err := o.pages.SyncPage(ctx, pageOpts)
		if err != nil {
			se := toSyncError(err)
			if o.stopRequested(ctx) || se.Kind == KindAborted {
				return o.finish(StateAborted, StopAborted, nil, cursor)
			}
			if se.Kind == KindRateLimited {
				wait := se.Wait
				if wait <= 0 {
					wait = o.pollInterval
				}
				o.emit(StepRateLimitWait, se.UserMessage(), func(p *Progress) {
					p.Err = se
					p.Wait = wait
				})
				logger.Warn().Dur("wait", wait).Int("page", page).Msg("rate limited, waiting")
				if err := o.sleep(ctx, wait); err != nil || o.stopRequested(ctx) {
					return o.finish(StateAborted, StopAborted, nil, cursor)
				}
				continue
			}

			logger.Error().Err(se).Str("kind", se.Kind.String()).Int("page", page).Msg("batch sync failed")
			return o.finish(StateErrored, StopError, se, cursor)
		}

		o.merge(res)
		o.estimatePages(opts)
		cursor = res.NextPageCursor
		o.saveCursor(ctx, opts, cursor, logger)

		o.emit(StepPageComplete, fmt.Sprintf("page %d: %d videos, %d new, %d updated",
			page, res.PageStats.VideosInPage, res.Stats.New, res.Stats.Updated), nil)

		if reason, stop := o.shouldStop(opts, res); stop {
			if reason != StopExhausted {
				// An early stop means the next batch starts from the top again.
				o.clearCursor(ctx, opts, logger)
			}
			return o.finish(StateCompleted, reason, nil, cursor)
		}

		if o.stopRequested(ctx) {
			return o.finish(StateAborted, StopAborted, nil, cursor)
		}

		o.mu.Lock()
		speed := o.batch.ProcessingSpeed
		o.mu.Unlock()
		if err := o.sleep(ctx, o.delay.For(speed)); err != nil || o.stopRequested(ctx) {
			return o.finish(StateAborted, StopAborted, nil, cursor)
		}
	}
}

// shouldStop evaluates the stop rules after a page.
func (o *Orchestrator) shouldStop(opts SyncOptions, res *PageSyncResult) (StopReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case !res.HasMorePages():
		return StopExhausted, true
	case res.PageStats.VideosInPage == 0:
		return StopEmptyPage, true
	case !opts.DeepScan && o.batch.ConsecutiveEmptyPages >= opts.MaxConsecutiveEmptyPages:
		return StopEmptyStreak, true
	}
	if opts.Mode == ModeIncremental {
		if o.batch.PagesProcessed >= opts.MaxPages {
			return StopPageLimit, true
		}
		if o.batch.TotalStats.Processed >= opts.MaxVideos {
			return StopVideoLimit, true
		}
	}
	return "", false
}

// waitWhilePaused polls until resumed. It returns false when the batch was
// aborted; abort is checked before and after every sleep.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) bool {
	for {
		if o.stopRequested(ctx) {
			return false
		}
		o.mu.Lock()
		paused := o.paused
		o.mu.Unlock()
		if !paused {
			return true
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return false
		}
		if o.stopRequested(ctx) {
			return false
		}
	}
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	o.mu.Lock()
	aborted := o.aborted
	o.mu.Unlock()
	return aborted || ctx.Err() != nil
}

func (o *Orchestrator) merge(res *PageSyncResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := &o.batch
	b.TotalStats.Add(res.Stats)
	b.Errors = append(b.Errors, res.Errors...)
	b.PagesProcessed++
	b.VideosSeen += res.PageStats.VideosInPage
	b.QuotaUsed += res.QuotaUsed
	b.Cursor = res.NextPageCursor
	if res.PageStats.NewInPage > 0 {
		b.ConsecutiveEmptyPages = 0
	} else {
		b.ConsecutiveEmptyPages++
	}
	if res.TotalResults > 0 {
		b.TotalResults = res.TotalResults
	}

	elapsed := o.now().Sub(b.StartTime).Minutes()
	b.ProcessingSpeed = 0
	b.ETA = 0
	if elapsed > 0 {
		b.ProcessingSpeed = float64(b.TotalStats.Processed) / elapsed
		seenRate := float64(b.VideosSeen) / elapsed
		if remaining := b.TotalResults - b.VideosSeen; remaining > 0 && seenRate > 0 {
			b.ETA = time.Duration(float64(remaining) * float64(time.Minute) / seenRate)
		}
	}
}

func (o *Orchestrator) estimatePages(opts SyncOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.batch.TotalResults <= 0 {
		o.batch.TotalPagesEstimate = 0
		return
	}
	est := int(math.Ceil(float64(o.batch.TotalResults) / float64(opts.MaxVideosPerPage)))
	if opts.Mode == ModeIncremental && est > opts.MaxPages {
		est = opts.MaxPages
	}
	o.batch.TotalPagesEstimate = est
}

// finish moves to a terminal state and emits the final progress.
func (o *Orchestrator) finish(state State, reason StopReason, err error, cursor string) *BatchResult {
	o.mu.Lock()
	o.state = state
	o.paused = false
	o.batch.State = state
	b := o.batch
	res := &BatchResult{
		RunID:          b.RunID,
		State:          state,
		StopReason:     reason,
		Stats:          b.TotalStats,
		PagesProcessed: b.PagesProcessed,
		VideosSeen:     b.VideosSeen,
		Errors:         append([]ItemError(nil), b.Errors...),
		LastCursor:     cursor,
		QuotaUsed:      b.QuotaUsed,
		StartedAt:      b.StartTime,
		FinishedAt:     o.now(),
		Err:            err,
	}
	o.mu.Unlock()

	switch state {
	case StateCompleted:
		o.emit(StepCompleted, fmt.Sprintf("sync complete: %d processed, %d new, %d updated (%s)",
			res.Stats.Processed, res.Stats.New, res.Stats.Updated, reason), nil)
	case StateAborted:
		o.emit(StepAborted, "sync aborted", nil)
	case StateErrored:
		msg := err.Error()
		var se *SyncError
		if errors.As(err, &se) {
			msg = se.UserMessage()
		}
		o.emit(StepError, msg, func(p *Progress) { p.Err = err })
	}
	return res
}

func (o *Orchestrator) emit(step Step, msg string, mut func(*Progress)) {
	o.mu.Lock()
	b := o.batch
	state := o.state
	o.mu.Unlock()

	p := Progress{
		Step:               step,
		RunID:              b.RunID,
		State:              state,
		CurrentPage:        b.CurrentPage,
		TotalPagesEstimate: b.TotalPagesEstimate,
		EstimateIsApprox:   b.TotalPagesEstimate > 0,
		Message:            msg,
		Stats:              b.TotalStats,
		ProcessingSpeed:    b.ProcessingSpeed,
		ETA:                b.ETA,
		At:                 o.now(),
	}
	if mut != nil {
		mut(&p)
	}
	o.reporter.Emit(p)
}

func (o *Orchestrator) loadCursor(ctx context.Context, opts SyncOptions, logger zerolog.Logger) string {
	if o.cursors == nil {
		return ""
	}
	cursor, err := o.cursors.LoadCursor(ctx, opts.OwnerID, opts.ChannelID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Msg("failed to load saved cursor, starting from the first page")
		}
		return ""
	}
	logger.Info().Str("cursor", cursor).Msg("resuming from saved cursor")
	return cursor
}

func (o *Orchestrator) saveCursor(ctx context.Context, opts SyncOptions, cursor string, logger zerolog.Logger) {
	if o.cursors == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if cursor == "" {
		err = o.cursors.ClearCursor(ctx, opts.OwnerID, opts.ChannelID)
	} else {
		err = o.cursors.SaveCursor(ctx, opts.OwnerID, opts.ChannelID, cursor)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to persist cursor")
	}
}

func (o *Orchestrator) clearCursor(ctx context.Context, opts SyncOptions, logger zerolog.Logger) {
	o.saveCursor(ctx, opts, "", logger)
}

func (o *Orchestrator) startRun(ctx context.Context, opts SyncOptions, runID string, logger zerolog.Logger) *storage.SyncRun {
	if o.runs == nil {
		return nil
	}
	run := &storage.SyncRun{
		ID:        runID,
		OwnerID:   opts.OwnerID,
		ChannelID: opts.ChannelID,
		Mode:      string(opts.Mode),
		Status:    storage.RunStatusRunning,
		StartedAt: o.now().UTC(),
	}
	if err := o.runs.CreateSyncRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to record sync run")
		return nil
	}
	return run
}

func (o *Orchestrator) finishRun(ctx context.Context, run *storage.SyncRun, res *BatchResult, logger zerolog.Logger) {
	if run == nil {
		return
	}
	finished := res.FinishedAt.UTC()
	run.FinishedAt = &finished
	run.PagesProcessed = res.PagesProcessed
	run.Processed = res.Stats.Processed
	run.New = res.Stats.New
	run.Updated = res.Stats.Updated
	run.Errors = res.Stats.Errors
	run.LastCursor = res.LastCursor
	switch res.State {
	case StateCompleted:
		run.Status = storage.RunStatusCompleted
	case StateAborted:
		run.Status = storage.RunStatusAborted
	default:
		run.Status = storage.RunStatusErrored
	}
	if res.Err != nil {
		run.ErrorMessage = res.Err.Error()
	}
	if err := o.runs.FinishSyncRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to finish sync run record")
	}
}
