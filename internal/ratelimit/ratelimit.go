// Package ratelimit throttles outgoing YouTube requests independently of the
// daily quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the Data API list endpoints.
const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
	// DefaultMinInterval is the floor between two page fetches.
	DefaultMinInterval = 30 * time.Second
)

// Clock returns the current time.
type Clock func() time.Time

// Window is a sliding-window limiter: at most MaxRequests recorded requests
// within the trailing window.
type Window struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time
	now         Clock
}

// NewWindow creates a sliding-window limiter.
func NewWindow(maxRequests int, window time.Duration, now Clock) *Window {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Window{maxRequests: maxRequests, window: window, now: now}
}

// prune drops timestamps that have left the window. Must be called with mu held.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// CanMakeRequest reports whether another request fits in the window.
func (w *Window) CanMakeRequest() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.timestamps) < w.maxRequests
}

// RecordRequest records a request made now.
func (w *Window) RecordRequest() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.timestamps = append(w.timestamps, now)
}

// TryAcquire records a request if one is allowed.
func (w *Window) TryAcquire() bool { return w.TryAcquireN(1) }

// TryAcquireN records n requests at once if all of them fit, otherwise none.
// n is capped at the window size so a large batch can still run in an
// otherwise empty window.
func (w *Window) TryAcquireN(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n = w.clamp(n)
	now := w.now()
	w.prune(now)
	if len(w.timestamps)+n > w.maxRequests {
		return false
	}
	for i := 0; i < n; i++ {
		w.timestamps = append(w.timestamps, now)
	}
	return true
}

// RemainingWait is how long until the oldest recorded request expires.
// Zero when a request is allowed now.
func (w *Window) RemainingWait() time.Duration { return w.RemainingWaitN(1) }

// RemainingWaitN is how long until n requests fit in the window.
func (w *Window) RemainingWaitN(n int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n = w.clamp(n)
	now := w.now()
	w.prune(now)
	over := len(w.timestamps) + n - w.maxRequests
	if over <= 0 {
		return 0
	}
	wait := w.timestamps[over-1].Add(w.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (w *Window) clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > w.maxRequests {
		return w.maxRequests
	}
	return n
}

// InFlight returns the number of requests in the current window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.timestamps)
}

// Reset forgets every recorded request.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = nil
}

// Registry hands out one Window per key, e.g. per external resource.
type Registry struct {
	mu          sync.Mutex
	windows     map[string]*Window
	maxRequests int
	window      time.Duration
	now         Clock
}

// NewRegistry creates a registry whose windows share the same limits.
func NewRegistry(maxRequests int, window time.Duration, now Clock) *Registry {
	return &Registry{
		windows:     make(map[string]*Window),
		maxRequests: maxRequests,
		window:      window,
		now:         now,
	}
}

// Get returns the window for key, creating it if necessary.
func (r *Registry) Get(key string) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[key]; ok {
		return w
	}
	w := NewWindow(r.maxRequests, r.window, r.now)
	r.windows[key] = w
	return w
}

// Stats returns the in-flight count per key.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	keys := make(map[string]*Window, len(r.windows))
	for k, w := range r.windows {
		keys[k] = w
	}
	r.mu.Unlock()

	stats := make(map[string]int, len(keys))
	for k, w := range keys {
		stats[k] = w.InFlight()
	}
	return stats
}

// Pacer enforces a minimum spacing between requests using a token bucket
// with a burst of one.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewPacer returns a pacer; interval <= 0 disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
}

// Interval returns the configured spacing.
func (p *Pacer) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}

// Delay reports how long the next Wait would block, without consuming a token.
func (p *Pacer) Delay() time.Duration {
	if p == nil {
		return 0
	}
	r := p.limiter.Reserve()
	if !r.OK() {
		return 0
	}
	d := r.Delay()
	r.Cancel()
	return d
}

// Wait blocks until the next request may start or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pacer: %w", err)
	}
	return nil
}
