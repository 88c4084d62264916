// Package metrics exposes sync progress as Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ytdash/internal/engine"
)

// Collectors holds every Prometheus collector fed by progress events.
type Collectors struct {
	PagesTotal      prometheus.Counter
	VideosTotal     *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	RateLimitWaits  prometheus.Counter
	BatchesTotal    *prometheus.CounterVec
	BatchState      *prometheus.GaugeVec
	QuotaUsed       prometheus.Gauge
	QuotaRemaining  prometheus.Gauge
	ProcessingSpeed prometheus.Gauge

	mu sync.Mutex
	// last holds the cumulative stats already counted for the current run.
	lastRun   string
	lastStats engine.Stats
}

var states = []engine.State{
	engine.StateIdle, engine.StateRunning, engine.StatePaused,
	engine.StateCompleted, engine.StateAborted, engine.StateErrored,
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		PagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_pages_synced_total",
			Help: "Total pages synced.",
		}),
		VideosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytdash_videos_total",
			Help: "Videos handled by the sync engine, by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_page_retries_total",
			Help: "Page attempts retried after a transient failure.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_rate_limit_waits_total",
			Help: "Times a batch waited for the rate limiter.",
		}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytdash_batches_total",
			Help: "Finished batches, by terminal state.",
		}, []string{"state"}),
		BatchState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ytdash_batch_state",
			Help: "1 for the orchestrator's current state, 0 otherwise.",
		}, []string{"state"}),
		QuotaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytdash_quota_used",
			Help: "API requests charged today.",
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytdash_quota_remaining",
			Help: "API requests left in today's budget.",
		}),
		ProcessingSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytdash_processing_speed_videos_per_minute",
			Help: "Processing speed of the current batch.",
		}),
	}

	reg.MustRegister(
		c.PagesTotal,
		c.VideosTotal,
		c.RetriesTotal,
		c.RateLimitWaits,
		c.BatchesTotal,
		c.BatchState,
		c.QuotaUsed,
		c.QuotaRemaining,
		c.ProcessingSpeed,
	)
	c.setState(engine.StateIdle)
	return c
}

// Sink returns a progress sink updating the collectors.
func (c *Collectors) Sink() engine.Sink {
	return c.Observe
}

// Observe applies one progress snapshot.
func (c *Collectors) Observe(p engine.Progress) {
	c.setState(p.State)
	c.ProcessingSpeed.Set(p.ProcessingSpeed)

	if p.Quota != nil {
		c.QuotaUsed.Set(float64(p.Quota.Used))
		c.QuotaRemaining.Set(float64(p.Quota.Remaining))
	}

	switch p.Step {
	case engine.StepPageComplete:
		c.PagesTotal.Inc()
		c.countVideos(p.RunID, p.Stats)
	case engine.StepRetry:
		c.RetriesTotal.Inc()
	case engine.StepRateLimitWait:
		c.RateLimitWaits.Inc()
	case engine.StepCompleted, engine.StepAborted, engine.StepError:
		c.BatchesTotal.WithLabelValues(p.State.String()).Inc()
	}
}

// countVideos adds the growth of the cumulative stats since the last page.
func (c *Collectors) countVideos(runID string, s engine.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != c.lastRun {
		c.lastRun = runID
		c.lastStats = engine.Stats{}
	}
	add := func(outcome string, now, before int) {
		if d := now - before; d > 0 {
			c.VideosTotal.WithLabelValues(outcome).Add(float64(d))
		}
	}
	add("processed", s.Processed, c.lastStats.Processed)
	add("new", s.New, c.lastStats.New)
	add("updated", s.Updated, c.lastStats.Updated)
	add("error", s.Errors, c.lastStats.Errors)
	c.lastStats = s
}

func (c *Collectors) setState(current engine.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.BatchState.WithLabelValues(s.String()).Set(v)
	}
}

// Handler serves the gatherer's metrics. A nil gatherer uses the default one.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
