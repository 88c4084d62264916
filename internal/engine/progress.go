package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ytdash/internal/quota"
)

// Step identifies the state change a Progress snapshot reports.
type Step string

const (
	StepQuotaCheck    Step = "quota_check"
	StepRateLimitWait Step = "rate_limit_wait"
	StepPageStart     Step = "page_start"
	StepPageComplete  Step = "page_complete"
	StepRetry         Step = "retry"
	StepPaused        Step = "paused"
	StepResumed       Step = "resumed"
	StepAborted       Step = "aborted"
	StepError         Step = "error"
	StepCompleted     Step = "completed"
)

// Progress is an immutable snapshot handed to sinks.
type Progress struct {
	Step  Step
	RunID string
	State State
	// CurrentPage is 1-based; 0 before the first page starts.
	CurrentPage int
	// TotalPagesEstimate is derived from the provider's result count and is
	// only a hint. EstimateIsApprox is false when no estimate is available.
	TotalPagesEstimate int
	EstimateIsApprox   bool
	Message            string
	Stats              Stats
	// ProcessingSpeed is videos per minute since the batch started.
	ProcessingSpeed float64
	// ETA is zero when unknown.
	ETA time.Duration
	// Wait is the upcoming sleep for rate_limit_wait and retry steps.
	Wait  time.Duration
	Quota *quota.Status
	Err   error
	At    time.Time
}

// HasEstimate reports whether TotalPagesEstimate is meaningful.
func (p Progress) HasEstimate() bool { return p.EstimateIsApprox && p.TotalPagesEstimate > 0 }

// Sink consumes progress snapshots. Sinks must not block for long; the
// orchestrator calls them inline.
type Sink func(Progress)

// Reporter fans snapshots out to its sinks.
type Reporter struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger zerolog.Logger
}

// NewReporter creates a reporter with the given sinks.
func NewReporter(logger zerolog.Logger, sinks ...Sink) *Reporter {
	return &Reporter{sinks: sinks, logger: logger}
}

// Subscribe adds a sink.
func (r *Reporter) Subscribe(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit delivers p to every sink. A panicking sink is logged and skipped.
func (r *Reporter) Emit(p Progress) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	for _, s := range sinks {
		r.deliver(s, p)
	}
}

func (r *Reporter) deliver(s Sink, p Progress) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("step", string(p.Step)).Msg("progress sink panicked")
		}
	}()
	s(p)
}

// LogSink writes every snapshot as a structured log line.
func LogSink(logger zerolog.Logger) Sink {
	return func(p Progress) {
		level := zerolog.InfoLevel
		switch p.Step {
		case StepPageStart, StepQuotaCheck:
			level = zerolog.DebugLevel
		case StepRetry, StepRateLimitWait:
			level = zerolog.WarnLevel
		case StepError:
			level = zerolog.ErrorLevel
		}

		ev := logger.WithLevel(level).
			Str("run_id", p.RunID).
			Str("step", string(p.Step)).
			Int("page", p.CurrentPage).
			Int("processed", p.Stats.Processed).
			Int("new", p.Stats.New).
			Int("updated", p.Stats.Updated).
			Int("errors", p.Stats.Errors)
		if p.HasEstimate() {
			ev = ev.Int("pages_estimate", p.TotalPagesEstimate)
		}
		if p.ProcessingSpeed > 0 {
			ev = ev.Float64("videos_per_min", p.ProcessingSpeed)
		}
		if p.ETA > 0 {
			ev = ev.Dur("eta", p.ETA)
		}
		if p.Wait > 0 {
			ev = ev.Dur("wait", p.Wait)
		}
		if p.Quota != nil {
			ev = ev.Int("quota_used", p.Quota.Used).Int("quota_limit", p.Quota.Limit)
		}
		if p.Err != nil {
			ev = ev.Err(p.Err)
		}
		ev.Msg(p.Message)
	}
}
