package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"ytdash/internal/engine"
)

// printer renders progress for a terminal user.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

// Sink returns the progress sink.
func (p *printer) Sink() engine.Sink { return p.print }

func (p *printer) print(ev engine.Progress) {
	line := formatProgress(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// formatProgress returns the line shown for ev, or "" for steps the
// terminal does not need.
func formatProgress(ev engine.Progress) string {
	switch ev.Step {
	case engine.StepPageComplete:
		page := fmt.Sprintf("page %d", ev.CurrentPage)
		if ev.HasEstimate() {
			page = fmt.Sprintf("page %d/~%d", ev.CurrentPage, ev.TotalPagesEstimate)
		}
		line := fmt.Sprintf("%s  processed %d  new %d  updated %d  errors %d",
			page, ev.Stats.Processed, ev.Stats.New, ev.Stats.Updated, ev.Stats.Errors)
		if ev.ProcessingSpeed > 0 {
			line += fmt.Sprintf("  %.0f videos/min", ev.ProcessingSpeed)
		}
		if ev.ETA > 0 {
			line += fmt.Sprintf("  eta %s", ev.ETA.Round(time.Second))
		}
		return line
	case engine.StepRateLimitWait, engine.StepRetry:
		return fmt.Sprintf("waiting %s: %s", ev.Wait.Round(time.Second), ev.Message)
	case engine.StepPaused, engine.StepResumed, engine.StepAborted, engine.StepCompleted:
		return ev.Message
	case engine.StepError:
		return "error: " + ev.Message
	case engine.StepQuotaCheck:
		if ev.Quota != nil && ev.Quota.Caution {
			return fmt.Sprintf("warning: %.0f%% of today's quota used", ev.Quota.PercentageUsed)
		}
	}
	return ""
}
