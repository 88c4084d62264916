package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/internal/quota"
	"ytdash/internal/retry"
	"ytdash/internal/storage"
)

type step struct {
	res *PageSyncResult
	err error
}

// scriptedSyncer replays a fixed sequence of page outcomes.
type scriptedSyncer struct {
	mu      sync.Mutex
	steps   []step
	calls   int
	cursors []string
	block   chan struct{}
}

func (s *scriptedSyncer) SyncPage(ctx context.Context, opts SyncOptions) (*PageSyncResult, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.cursors = append(s.cursors, opts.PageCursor)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(s.steps) {
		return nil, fmt.Errorf("unexpected page %d", i+1)
	}
	if s.steps[i].err != nil {
		return nil, s.steps[i].err
	}
	cp := *s.steps[i].res
	return &cp, nil
}

func (s *scriptedSyncer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func page(videos, newCount int, next string) step {
	return step{res: &PageSyncResult{
		Stats:          Stats{Processed: videos, New: newCount},
		NextPageCursor: next,
		PageStats: PageStats{
			VideosInPage: videos,
			NewInPage:    newCount,
			IsEmptyPage:  newCount == 0,
		},
	}}
}

// recordingSyncer keeps every page result returned by next.
type recordingSyncer struct {
	next    PageSyncer
	mu      sync.Mutex
	results []*PageSyncResult
}

func (r *recordingSyncer) SyncPage(ctx context.Context, opts SyncOptions) (*PageSyncResult, error) {
	res, err := r.next.SyncPage(ctx, opts)
	if err == nil {
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
	}
	return res, err
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) sink(p Progress) {
	l.mu.Lock()
	l.events = append(l.events, p)
	l.mu.Unlock()
}

func (l *progressLog) steps() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Step, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Step)
	}
	return out
}

func (l *progressLog) last() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *progressLog) byStep(s Step) []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Progress
	for _, e := range l.events {
		if e.Step == s {
			out = append(out, e)
		}
	}
	return out
}

// signalSleeper really sleeps and reports sleeps of a given length.
type signalSleeper struct {
	only     time.Duration
	sleeping chan time.Duration
}

func newSignalSleeper(only time.Duration) *signalSleeper {
	return &signalSleeper{only: only, sleeping: make(chan time.Duration, 1)}
}

func (s *signalSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d == s.only {
		select {
		case s.sleeping <- d:
		default:
		}
	}
	return retry.Sleep(ctx, d)
}

func newTestOrchestrator(pages PageSyncer, log *progressLog, sleep retry.Sleeper, opts ...OrchestratorOption) *Orchestrator {
	base := []OrchestratorOption{
		WithReporter(NewReporter(zerolog.Nop(), log.sink)),
		WithSleeper(sleep),
		WithPollInterval(20 * time.Millisecond),
		WithAdaptiveDelay(AdaptiveDelay{Floor: time.Second, Ceiling: 5 * time.Second, ReferenceSpeed: 100}),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return "run-1" }),
	}
	return NewOrchestrator(pages, append(base, opts...)...)
}

type runOutcome struct {
	res *BatchResult
	err error
}

func runAsync(o *Orchestrator, opts SyncOptions) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		res, err := o.Run(context.Background(), opts)
		done <- runOutcome{res, err}
	}()
	return done
}

func waitOutcome(t *testing.T, done <-chan runOutcome, within time.Duration) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(within):
		t.Fatalf("batch did not finish within %s", within)
		return runOutcome{}
	}
}

func TestRunWalksAllPages(t *testing.T) {
	store := newTestStore(t)
	p := newFakeProvider(120, nil)
	rec := &recordingSyncer{next: newTestExecutor(p, store, newTestTracker(store), &sleepRecorder{})}
	log := &progressLog{}
	o := newTestOrchestrator(rec, log, (&sleepRecorder{}).Sleep)

	opts := testOptions()
	opts.MaxVideosPerPage = 50
	res, err := o.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, StateCompleted, o.State())
	assert.Equal(t, StopExhausted, res.StopReason)
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Empty(t, res.LastCursor)

	require.Len(t, rec.results, 3)
	var sum Stats
	var sizes []int
	for _, r := range rec.results {
		sum.Add(r.Stats)
		sizes = append(sizes, r.PageStats.VideosInPage)
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.False(t, rec.results[2].HasMorePages())
	assert.Equal(t, sum, res.Stats)
	assert.Equal(t, 120, res.Stats.Processed)
	assert.Equal(t, 120, res.Stats.New)
	assert.Equal(t, 6, res.QuotaUsed)

	assert.Len(t, log.byStep(StepPageStart), 3)
	assert.Len(t, log.byStep(StepPageComplete), 3)
	assert.Equal(t, StepCompleted, log.last().Step)
	assert.Equal(t, 120, log.last().Stats.Processed)
}

func TestRunEmptyStreak(t *testing.T) {
	tests := []struct {
		name      string
		newCounts []int
		wantPages int
	}{
		{"stops after three empty pages", []int{5, 0, 0, 0, 9, 9}, 4},
		{"new video resets the streak", []int{0, 0, 5, 0, 0, 0, 9}, 6},
		{"immediately empty", []int{0, 0, 0, 9}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var steps []step
			for i, n := range tt.newCounts {
				steps = append(steps, page(10, n, fmt.Sprintf("c%d", i+1)))
			}
			s := &scriptedSyncer{steps: steps}
			o := newTestOrchestrator(s, &progressLog{}, (&sleepRecorder{}).Sleep)

			res, err := o.Run(context.Background(), testOptions())
			require.NoError(t, err)
			assert.Equal(t, StopEmptyStreak, res.StopReason)
			assert.Equal(t, tt.wantPages, res.PagesProcessed)
			assert.Equal(t, tt.wantPages, s.callCount())
			assert.Equal(t, 3, o.Snapshot().ConsecutiveEmptyPages)
		})
	}
}

func TestRunCachedPagesCountAsEmpty(t *testing.T) {
	store := newTestStore(t)
	p := newFakeProvider(200, nil)
	cached := NewCachedExecutor(newTestExecutor(p, store, nil, &sleepRecorder{}), 0, 0)

	opts := testOptions()
	opts.MaxVideosPerPage = 50
	first, err := newTestOrchestrator(cached, &progressLog{}, (&sleepRecorder{}).Sleep).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, first.StopReason)
	assert.Equal(t, 200, first.Stats.New)

	o := newTestOrchestrator(cached, &progressLog{}, (&sleepRecorder{}).Sleep)
	second, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StopEmptyStreak, second.StopReason)
	assert.Equal(t, 3, second.PagesProcessed)
	assert.Equal(t, Stats{Processed: 150}, second.Stats)
	assert.Zero(t, second.QuotaUsed)
	assert.Equal(t, 3, o.Snapshot().ConsecutiveEmptyPages)

	list, _ := p.calls()
	assert.Equal(t, 4, list, "second run served from cache")
}

func TestRunDeepScanIgnoresEmptyStreak(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := newFakeProvider(120, nil)
	exec := newTestExecutor(p, store, nil, &sleepRecorder{})

	opts := testOptions()
	opts.MaxVideosPerPage = 10
	_, err := NewOrchestrator(exec, WithSleeper((&sleepRecorder{}).Sleep)).Run(ctx, opts)
	require.NoError(t, err)

	// Everything is known now, so every page is empty.
	opts.SyncMetadata = false

	shallow, err := newTestOrchestrator(exec, &progressLog{}, (&sleepRecorder{}).Sleep).Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, StopEmptyStreak, shallow.StopReason)
	assert.Equal(t, 3, shallow.PagesProcessed)
	assert.Equal(t, 30, shallow.Stats.Processed)
	assert.Zero(t, shallow.Stats.New)

	opts.DeepScan = true
	deep, err := newTestOrchestrator(exec, &progressLog{}, (&sleepRecorder{}).Sleep).Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, deep.StopReason)
	assert.Equal(t, 12, deep.PagesProcessed)
	assert.Equal(t, 120, deep.Stats.Processed)
}

func TestRunStopsOnPageWithoutItems(t *testing.T) {
	s := &scriptedSyncer{steps: []step{page(10, 10, "c1"), page(0, 0, "c2"), page(10, 10, "")}}
	o := newTestOrchestrator(s, &progressLog{}, (&sleepRecorder{}).Sleep)

	res, err := o.Run(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, StopEmptyPage, res.StopReason)
	assert.Equal(t, 2, s.callCount())
}

func TestRunIncrementalLimits(t *testing.T) {
	store := newTestStore(t)
	p := newFakeProvider(300, nil)
	exec := newTestExecutor(p, store, nil, &sleepRecorder{})

	opts := testOptions()
	opts.Mode = ModeIncremental
	opts.MaxVideosPerPage = 50
	opts.MaxPages = 2
	res, err := newTestOrchestrator(exec, &progressLog{}, (&sleepRecorder{}).Sleep).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StopPageLimit, res.StopReason)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Equal(t, "p100", res.LastCursor)

	opts.MaxPages = 10
	opts.MaxVideos = 120
	res, err = newTestOrchestrator(exec, &progressLog{}, (&sleepRecorder{}).Sleep).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StopVideoLimit, res.StopReason)
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Equal(t, 150, res.VideosSeen)
}

func TestRunIncrementalVideoLimitCountsProcessed(t *testing.T) {
	store := newTestStore(t)
	p := newFakeProvider(300, func(i int) bool { return i%2 == 1 })
	exec := newTestExecutor(p, store, nil, &sleepRecorder{})

	opts := testOptions()
	opts.Mode = ModeIncremental
	opts.IncludeShorts = false
	opts.MaxVideosPerPage = 50
	opts.MaxPages = 10
	opts.MaxVideos = 60
	res, err := newTestOrchestrator(exec, &progressLog{}, (&sleepRecorder{}).Sleep).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StopVideoLimit, res.StopReason)
	// 25 regular videos per page; filtered shorts do not count.
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Equal(t, 75, res.Stats.Processed)
	assert.Equal(t, 150, res.VideosSeen)
}

func TestRunFatalErrorKeepsPartialStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	quotaErr := &SyncError{
		Kind: KindQuotaExceeded,
		Err: &quota.QuotaExceededError{
			Status:    quota.Status{Used: 10000, Limit: 10000, ResetTime: time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC)},
			Requested: 2,
		},
	}
	s := &scriptedSyncer{steps: []step{page(10, 4, "c1"), {err: quotaErr}, page(10, 10, "")}}
	log := &progressLog{}
	o := newTestOrchestrator(s, log, (&sleepRecorder{}).Sleep, WithRunStore(store), WithCursorStore(store))

	res, err := o.Run(ctx, testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	require.NotNil(t, res)

	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, StateErrored, o.State())
	assert.Equal(t, StopError, res.StopReason)
	assert.Equal(t, Stats{Processed: 10, New: 4}, res.Stats)
	assert.Equal(t, 1, res.PagesProcessed)
	assert.Equal(t, 2, s.callCount(), "no page after a fatal error")

	last := log.last()
	assert.Equal(t, StepError, last.Step)
	assert.Contains(t, last.Message, "May 2")
	assert.Equal(t, 10, last.Stats.Processed)

	runs, err := store.ListSyncRuns(ctx, testOwner, testChannel, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunStatusErrored, runs[0].Status)
	assert.Equal(t, 10, runs[0].Processed)
	assert.Equal(t, "c1", runs[0].LastCursor)
	assert.NotEmpty(t, runs[0].ErrorMessage)
}

func TestRunItemErrorsAccumulate(t *testing.T) {
	p1 := page(10, 9, "c1")
	p1.res.Stats.Errors = 1
	p1.res.Errors = []ItemError{{VideoID: "a", Reason: "insert failed"}}
	p2 := page(10, 8, "")
	p2.res.Stats.Errors = 2
	p2.res.Errors = []ItemError{{VideoID: "b", Reason: "x"}, {VideoID: "c", Reason: "y"}}

	o := newTestOrchestrator(&scriptedSyncer{steps: []step{p1, p2}}, &progressLog{}, (&sleepRecorder{}).Sleep)
	res, err := o.Run(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Stats.Errors)
	assert.Len(t, res.Errors, 3)
}

func TestRunWaitsOutRateLimit(t *testing.T) {
	s := &scriptedSyncer{steps: []step{
		{err: &SyncError{Kind: KindRateLimited, Wait: 45 * time.Second}},
		page(10, 10, ""),
	}}
	log := &progressLog{}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(s, log, sleeper.Sleep)

	res, err := o.Run(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []time.Duration{45 * time.Second}, sleeper.all())
	assert.Equal(t, []string{"", ""}, s.cursors, "same page is retried")

	waits := log.byStep(StepRateLimitWait)
	require.Len(t, waits, 1)
	assert.Equal(t, 45*time.Second, waits[0].Wait)
}

func TestRunRejectsConcurrentBatch(t *testing.T) {
	s := &scriptedSyncer{steps: []step{page(10, 10, "")}, block: make(chan struct{})}
	o := newTestOrchestrator(s, &progressLog{}, (&sleepRecorder{}).Sleep)

	done := runAsync(o, testOptions())
	require.Eventually(t, func() bool { return s.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := o.Run(context.Background(), testOptions())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, o.Reset(), ErrBusy)
	assert.Equal(t, StateRunning, o.State())

	close(s.block)
	out := waitOutcome(t, done, 2*time.Second)
	require.NoError(t, out.err)
	assert.Equal(t, StateCompleted, out.res.State)

	// A finished orchestrator accepts a new batch.
	s2 := &scriptedSyncer{steps: []step{page(5, 5, "")}}
	o.pages = s2
	_, err = o.Run(context.Background(), testOptions())
	assert.NoError(t, err)
}

func TestAbortDuringAdaptiveDelay(t *testing.T) {
	s := &scriptedSyncer{steps: []step{page(10, 10, "c1"), page(10, 10, "c2"), page(10, 10, "")}}
	log := &progressLog{}
	sleeper := newSignalSleeper(time.Hour)
	o := newTestOrchestrator(s, log, sleeper.Sleep, WithAdaptiveDelay(AdaptiveDelay{Floor: time.Hour, Ceiling: time.Hour}))

	done := runAsync(o, testOptions())
	select {
	case <-sleeper.sleeping:
	case <-time.After(2 * time.Second):
		t.Fatal("delay never started")
	}
	require.NoError(t, o.Abort())

	out := waitOutcome(t, done, time.Second)
	require.NoError(t, out.err, "abort is not an error")
	assert.Equal(t, StateAborted, out.res.State)
	assert.Equal(t, StopAborted, out.res.StopReason)
	assert.Equal(t, 1, s.callCount(), "no page after abort")
	assert.Equal(t, 10, out.res.Stats.Processed)
	assert.Equal(t, "c1", out.res.LastCursor)
	assert.Equal(t, StepAborted, log.last().Step)
	assert.Equal(t, StateAborted, o.State())
}

func TestAbortWhilePaused(t *testing.T) {
	s := &scriptedSyncer{steps: []step{page(10, 10, "c1"), page(10, 10, "")}}
	log := &progressLog{}
	poll := 20 * time.Millisecond
	sleeper := newSignalSleeper(poll)

	var o *Orchestrator
	pauseAfterFirst := func(p Progress) {
		if p.Step == StepPageComplete && p.CurrentPage == 1 {
			assert.NoError(t, o.Pause())
		}
	}
	o = newTestOrchestrator(s, log, sleeper.Sleep,
		WithReporter(NewReporter(zerolog.Nop(), log.sink, pauseAfterFirst)),
		WithPollInterval(poll),
		WithAdaptiveDelay(AdaptiveDelay{}),
	)

	done := runAsync(o, testOptions())
	select {
	case <-sleeper.sleeping:
	case <-time.After(2 * time.Second):
		t.Fatal("pause poll never started")
	}
	assert.Equal(t, StatePaused, o.State())

	start := time.Now()
	require.NoError(t, o.Abort())
	out := waitOutcome(t, done, time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, StateAborted, out.res.State)
	assert.Equal(t, 1, s.callCount())
	assert.Contains(t, log.steps(), StepPaused)
	assert.Equal(t, StepAborted, log.last().Step)
}

func TestPauseAndResume(t *testing.T) {
	s := &scriptedSyncer{steps: []step{page(10, 10, "c1"), page(10, 10, "c2"), page(10, 10, "")}}
	log := &progressLog{}
	poll := 20 * time.Millisecond
	sleeper := newSignalSleeper(poll)

	var o *Orchestrator
	pauseAfterFirst := func(p Progress) {
		if p.Step == StepPageComplete && p.CurrentPage == 1 {
			assert.NoError(t, o.Pause())
		}
	}
	o = newTestOrchestrator(s, log, sleeper.Sleep,
		WithReporter(NewReporter(zerolog.Nop(), log.sink, pauseAfterFirst)),
		WithPollInterval(poll),
		WithAdaptiveDelay(AdaptiveDelay{}),
	)

	done := runAsync(o, testOptions())
	select {
	case <-sleeper.sleeping:
	case <-time.After(2 * time.Second):
		t.Fatal("pause poll never started")
	}
	assert.Equal(t, 1, s.callCount(), "no page while paused")
	require.NoError(t, o.Resume())

	out := waitOutcome(t, done, 2*time.Second)
	require.NoError(t, out.err)
	assert.Equal(t, StateCompleted, out.res.State)
	assert.Equal(t, 3, s.callCount())
	assert.Equal(t, 30, out.res.Stats.Processed)

	steps := log.steps()
	assert.Contains(t, steps, StepPaused)
	assert.Contains(t, steps, StepResumed)
}

func TestRunResumesFromSavedCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	authErr := &SyncError{Kind: KindAuthenticationRequired, Err: errors.New("token revoked")}
	s := &scriptedSyncer{steps: []step{page(10, 10, "c1"), {err: authErr}}}
	o := newTestOrchestrator(s, &progressLog{}, (&sleepRecorder{}).Sleep, WithCursorStore(store))

	_, err := o.Run(ctx, testOptions())
	require.ErrorIs(t, err, ErrAuthenticationRequired)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.UserMessage(), "Reconnect")

	saved, err := store.LoadCursor(ctx, testOwner, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "c1", saved)

	s2 := &scriptedSyncer{steps: []step{page(10, 10, "")}}
	o2 := newTestOrchestrator(s2, &progressLog{}, (&sleepRecorder{}).Sleep, WithCursorStore(store))
	opts := testOptions()
	opts.Resume = true
	res, err := o2.Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.StopReason)
	assert.Equal(t, []string{"c1"}, s2.cursors)

	_, err = store.LoadCursor(ctx, testOwner, testChannel)
	assert.ErrorIs(t, err, storage.ErrNotFound, "finished walk clears the cursor")
}

func TestRunProgressEstimates(t *testing.T) {
	store := newTestStore(t)
	p := newFakeProvider(120, nil)
	exec := newTestExecutor(p, store, nil, &sleepRecorder{})

	// The batch starts at testNow; every later reading is one minute in.
	var mu sync.Mutex
	reads := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if reads == 1 {
			return testNow
		}
		return testNow.Add(time.Minute)
	}

	log := &progressLog{}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(exec, log, sleeper.Sleep, WithClock(clock))

	opts := testOptions()
	opts.MaxVideosPerPage = 50
	_, err := o.Run(context.Background(), opts)
	require.NoError(t, err)

	complete := log.byStep(StepPageComplete)
	require.Len(t, complete, 3)

	first := complete[0]
	assert.Equal(t, 1, first.CurrentPage)
	assert.Equal(t, 3, first.TotalPagesEstimate)
	assert.True(t, first.EstimateIsApprox)
	assert.True(t, first.HasEstimate())
	assert.InDelta(t, 50.0, first.ProcessingSpeed, 0.001)
	assert.Equal(t, 84*time.Second, first.ETA)

	assert.Zero(t, complete[2].ETA, "nothing left")
	// 50/min sits halfway between floor and ceiling; 100/min hits the floor.
	assert.Equal(t, []time.Duration{3 * time.Second, time.Second}, sleeper.all())
}

func TestRunWithQuotaTrackerReportsQuota(t *testing.T) {
	store := newTestStore(t)
	tracker := newTestTracker(store)
	exec := newTestExecutor(newFakeProvider(10, nil), store, tracker, &sleepRecorder{})
	log := &progressLog{}
	o := newTestOrchestrator(exec, log, (&sleepRecorder{}).Sleep, WithQuotaTracker(tracker))

	_, err := o.Run(context.Background(), testOptions())
	require.NoError(t, err)

	checks := log.byStep(StepQuotaCheck)
	require.Len(t, checks, 1)
	require.NotNil(t, checks[0].Quota)
	assert.Equal(t, 0, checks[0].Quota.Used)
	assert.Equal(t, quota.DefaultDailyLimit, checks[0].Quota.Limit)
	assert.Equal(t, 2, tracker.CheckStatus(context.Background()).Used)
}

func TestControlOutsideBatch(t *testing.T) {
	o := newTestOrchestrator(&scriptedSyncer{steps: []step{page(1, 1, "")}}, &progressLog{}, (&sleepRecorder{}).Sleep)

	assert.Equal(t, StateIdle, o.State())
	assert.ErrorIs(t, o.Pause(), ErrNotRunning)
	assert.ErrorIs(t, o.Resume(), ErrNotRunning)
	assert.ErrorIs(t, o.Abort(), ErrNotRunning)

	_, err := o.Run(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, o.State())
	assert.Equal(t, 1, o.Snapshot().TotalStats.Processed)

	require.NoError(t, o.Reset())
	assert.Equal(t, StateIdle, o.State())
	assert.Zero(t, o.Snapshot().TotalStats)

	_, err = o.Run(context.Background(), SyncOptions{OwnerID: testOwner})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestAdaptiveDelay(t *testing.T) {
	d := AdaptiveDelay{Floor: 2 * time.Second, Ceiling: 12 * time.Second, ReferenceSpeed: 100}

	assert.Equal(t, 12*time.Second, d.For(0))
	assert.Equal(t, 7*time.Second, d.For(50))
	assert.Equal(t, 2*time.Second, d.For(100))
	assert.Equal(t, 2*time.Second, d.For(1000))
	assert.Greater(t, d.For(10), d.For(90), "faster means shorter")

	assert.Equal(t, time.Duration(0), AdaptiveDelay{}.For(10))
}

func TestReporterRecoversPanickingSink(t *testing.T) {
	log := &progressLog{}
	r := NewReporter(zerolog.Nop(), func(Progress) { panic("boom") }, log.sink)
	r.Subscribe(log.sink)
	r.Subscribe(nil)

	assert.NotPanics(t, func() { r.Emit(Progress{Step: StepPageStart}) })
	assert.Equal(t, []Step{StepPageStart, StepPageStart}, log.steps())

	var nilReporter *Reporter
	assert.NotPanics(t, func() { nilReporter.Emit(Progress{}) })
}

func TestLogSink(t *testing.T) {
	var buf syncBuffer
	sink := LogSink(zerolog.New(&buf))
	sink(Progress{Step: StepError, RunID: "run-1", Message: "boom", Err: errors.New("x"), Stats: Stats{Processed: 3}})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"step":"error"`)
	assert.Contains(t, out, `"processed":3`)
	assert.Contains(t, out, `"message":"boom"`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
