package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowBlocksAtMax(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
	w := NewWindow(3, time.Minute, clk.Now)

	for i := 0; i < 3; i++ {
		require.True(t, w.CanMakeRequest(), "request %d", i)
		w.RecordRequest()
		clk.Advance(10 * time.Second)
	}

	assert.False(t, w.CanMakeRequest())
	assert.Equal(t, 3, w.InFlight())
	// Oldest was recorded 30s ago.
	assert.Equal(t, 30*time.Second, w.RemainingWait())

	clk.Advance(29 * time.Second)
	assert.False(t, w.CanMakeRequest())

	clk.Advance(time.Second)
	assert.True(t, w.CanMakeRequest())
	assert.Equal(t, time.Duration(0), w.RemainingWait())
	assert.Equal(t, 2, w.InFlight())
}

func TestWindowTryAcquire(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	w := NewWindow(2, time.Second, clk.Now)

	assert.True(t, w.TryAcquire())
	assert.True(t, w.TryAcquire())
	assert.False(t, w.TryAcquire())
	assert.Equal(t, 2, w.InFlight())

	w.Reset()
	assert.True(t, w.TryAcquire())
}

func TestWindowTryAcquireN(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
	w := NewWindow(5, time.Minute, clk.Now)

	require.True(t, w.TryAcquireN(3))
	clk.Advance(20 * time.Second)
	require.True(t, w.TryAcquireN(2))
	assert.Equal(t, 5, w.InFlight())

	// All or nothing.
	assert.False(t, w.TryAcquireN(2))
	assert.Equal(t, 5, w.InFlight())

	// Two slots free up when the first batch of three expires.
	assert.Equal(t, 40*time.Second, w.RemainingWaitN(2))
	assert.Equal(t, 40*time.Second, w.RemainingWaitN(3))
	// Four need the second batch gone too.
	assert.Equal(t, time.Minute, w.RemainingWaitN(4))

	clk.Advance(40 * time.Second)
	assert.Equal(t, time.Duration(0), w.RemainingWaitN(3))
	assert.True(t, w.TryAcquireN(3))
	assert.False(t, w.TryAcquire())
}

func TestWindowTryAcquireNCappedAtSize(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	w := NewWindow(2, time.Minute, clk.Now)

	assert.True(t, w.TryAcquireN(3))
	assert.Equal(t, 2, w.InFlight())
	assert.Equal(t, time.Minute, w.RemainingWaitN(3))
}

func TestWindowDefaults(t *testing.T) {
	w := NewWindow(0, 0, nil)
	assert.Equal(t, DefaultMaxRequests, w.maxRequests)
	assert.Equal(t, DefaultWindow, w.window)
}

func TestRegistryIndependentKeys(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	r := NewRegistry(1, time.Minute, clk.Now)

	a := r.Get("playlistItems")
	b := r.Get("videos")
	assert.Same(t, a, r.Get("playlistItems"))

	a.RecordRequest()
	assert.False(t, a.CanMakeRequest())
	assert.True(t, b.CanMakeRequest())

	assert.Equal(t, map[string]int{"playlistItems": 1, "videos": 0}, r.Stats())
}

func TestPacerSpacing(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	assert.Greater(t, p.Delay(), time.Duration(0))

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPacerCanceled(t *testing.T) {
	p := NewPacer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Wait(ctx))
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

func TestPacerDisabled(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Equal(t, time.Duration(0), p.Delay())

	var nilPacer *Pacer
	assert.NoError(t, nilPacer.Wait(context.Background()))
}
