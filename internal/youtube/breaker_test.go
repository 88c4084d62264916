package youtube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	listErr error
	calls   int
}

func (f *flakyProvider) ListPage(ctx context.Context, req PageRequest) (*ListResult, error) {
	f.calls++
	if f.listErr != nil {
		return &ListResult{Calls: 1}, f.listErr
	}
	return &ListResult{VideoIDs: []string{"a"}, Calls: 1}, nil
}

func (f *flakyProvider) FetchDetails(ctx context.Context, ids []string) ([]VideoDetails, error) {
	f.calls++
	return []VideoDetails{{ID: ids[0]}}, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newBreaker(p Provider, clock *fakeClock) *BreakerProvider {
	return NewBreakerProvider(p, BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, Now: clock.now})
}

func TestBreaker_OpensAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := &flakyProvider{listErr: &APIError{Op: "playlistItems.list", StatusCode: 503, Kind: ErrTransient, Err: errors.New("backend error")}}
	b := newBreaker(p, clock)

	for i := 0; i < 2; i++ {
		_, err := b.ListPage(ctx, PageRequest{ChannelID: "UC1"})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, b.State("playlistItems.list"))
	assert.Equal(t, CircuitClosed, b.State("videos.list"))

	_, err := b.ListPage(ctx, PageRequest{ChannelID: "UC1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 2, p.calls, "open circuit must not reach the provider")

	// After the recovery timeout one probe goes through and closes the circuit.
	clock.t = clock.t.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State("playlistItems.list"))
	p.listErr = nil
	res, err := b.ListPage(ctx, PageRequest{ChannelID: "UC1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.VideoIDs)
	assert.Equal(t, CircuitClosed, b.State("playlistItems.list"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := &flakyProvider{listErr: &APIError{Kind: ErrRateLimited, Err: errors.New("429")}}
	b := newBreaker(p, clock)

	b.ListPage(ctx, PageRequest{})
	b.ListPage(ctx, PageRequest{})
	clock.t = clock.t.Add(time.Minute)

	_, err := b.ListPage(ctx, PageRequest{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, CircuitOpen, b.State("playlistItems.list"))
}

func TestBreaker_PermanentErrorsDoNotCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	p := &flakyProvider{listErr: &APIError{StatusCode: 403, Kind: ErrQuotaExceeded, Err: errors.New("quotaExceeded")}}
	b := newBreaker(p, clock)

	for i := 0; i < 5; i++ {
		_, err := b.ListPage(ctx, PageRequest{})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	}
	assert.Equal(t, CircuitClosed, b.State("playlistItems.list"))
	assert.Equal(t, 5, p.calls)

	details, err := b.FetchDetails(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Len(t, details, 1)
}

func TestListCostDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, ListCost(&flakyProvider{}, "UC1"))
	assert.Equal(t, 1, NewBreakerProvider(&flakyProvider{}, DefaultBreakerConfig()).ListCost("UC1"))
}
