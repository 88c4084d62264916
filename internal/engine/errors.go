package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ytdash/internal/quota"
	"ytdash/internal/retry"
	"ytdash/internal/storage"
	"ytdash/internal/youtube"
)

// Kind classifies a sync failure.
type Kind int

const (
	KindQuotaExceeded Kind = iota + 1
	KindRateLimited
	KindAuthenticationRequired
	KindTransient
	KindInvalidResponse
	KindChannelNotFound
	KindStorage
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthenticationRequired:
		return "authentication_required"
	case KindTransient:
		return "transient"
	case KindInvalidResponse:
		return "invalid_response"
	case KindChannelNotFound:
		return "channel_not_found"
	case KindStorage:
		return "storage"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Sentinel errors. A *SyncError matches the sentinel of its Kind.
var (
	ErrQuotaExceeded          = errors.New("sync: daily quota exceeded")
	ErrRateLimited            = errors.New("sync: rate limited")
	ErrAuthenticationRequired = errors.New("sync: authentication required")
	ErrTransient              = errors.New("sync: transient provider error")
	ErrInvalidResponse        = errors.New("sync: invalid provider response")
	ErrChannelNotFound        = errors.New("sync: channel not found")
	ErrStorage                = errors.New("sync: storage error")
	ErrAborted                = errors.New("sync: aborted")

	// ErrFalseSuccess is a provider response that claims success but did no
	// work. It is reported with KindInvalidResponse.
	ErrFalseSuccess = errors.New("sync: page returned no work")

	// ErrBusy is returned by Orchestrator.Run while a batch is in progress.
	ErrBusy = errors.New("sync: a batch is already running")

	// ErrInvalidOptions wraps SyncOptions validation failures.
	ErrInvalidOptions = errors.New("sync: invalid options")
)

var kindSentinels = map[Kind]error{
	KindQuotaExceeded:          ErrQuotaExceeded,
	KindRateLimited:            ErrRateLimited,
	KindAuthenticationRequired: ErrAuthenticationRequired,
	KindTransient:              ErrTransient,
	KindInvalidResponse:        ErrInvalidResponse,
	KindChannelNotFound:        ErrChannelNotFound,
	KindStorage:                ErrStorage,
	KindAborted:                ErrAborted,
}

// SyncError is the error surfaced by the executor and the orchestrator.
type SyncError struct {
	Kind Kind
	Err  error
	// Wait is how long to back off before retrying (RateLimited only).
	Wait time.Duration
	// ResetTime is when the daily quota resets (QuotaExceeded only).
	ResetTime time.Time
	// Attempts is how many executor attempts were made before giving up.
	Attempts int
}

func (e *SyncError) Error() string {
	msg := e.Kind.String()
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Kind == KindRateLimited && e.Wait > 0 {
		msg = fmt.Sprintf("%s (retry in %s)", msg, e.Wait.Round(time.Second))
	}
	if e.Err != nil {
		return fmt.Sprintf("sync: %s: %v", msg, e.Err)
	}
	return "sync: " + msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's Kind.
func (e *SyncError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Fatal reports whether the batch must stop. Rate limits are waited out and
// aborts end the batch without being an error.
func (e *SyncError) Fatal() bool {
	return e.Kind != KindRateLimited && e.Kind != KindAborted
}

// UserMessage is an actionable description for the dashboard user.
func (e *SyncError) UserMessage() string {
	switch e.Kind {
	case KindQuotaExceeded:
		var qe *quota.QuotaExceededError
		if errors.As(e.Err, &qe) {
			return qe.UserMessage()
		}
		if !e.ResetTime.IsZero() {
			return fmt.Sprintf("YouTube API daily quota exhausted. Sync can resume after %s.", e.ResetTime.Format("Jan 2 15:04 MST"))
		}
		return "YouTube API daily quota exhausted. Sync can resume after the daily reset."
	case KindRateLimited:
		mins := int(math.Ceil(e.Wait.Minutes()))
		if mins < 1 {
			mins = 1
		}
		return fmt.Sprintf("Too many requests. Try again in %d minute(s).", mins)
	case KindAuthenticationRequired:
		return "YouTube access expired or was revoked. Reconnect your YouTube account."
	case KindTransient:
		return "YouTube is not responding right now. Try again later."
	case KindInvalidResponse:
		return "YouTube returned an unexpected response. Check that your account can still access the channel, then try again."
	case KindChannelNotFound:
		return "The channel could not be found. Check the channel ID or URL."
	case KindStorage:
		return "Saving videos failed. Check the database and try again."
	case KindAborted:
		return "Sync aborted."
	default:
		return "Sync failed."
	}
}

// ItemError is a per-video failure. It never stops the page.
type ItemError struct {
	VideoID string
	Title   string
	Reason  string
}

func (e ItemError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%s (%s): %s", e.Title, e.VideoID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.VideoID, e.Reason)
}

// toSyncError classifies any error from an attempt or the retry loop.
func toSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}

	var se *SyncError
	if errors.As(err, &se) {
		var re *retry.RetryableError
		if errors.As(err, &re) && se.Attempts < re.Attempts {
			cp := *se
			cp.Attempts = re.Attempts
			return &cp
		}
		return se
	}

	attempts := 0
	var re *retry.RetryableError
	if errors.As(err, &re) {
		attempts = re.Attempts
	}

	kind := KindTransient
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		kind = KindAborted
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, youtube.ErrQuotaExceeded):
		kind = KindQuotaExceeded
	case errors.Is(err, youtube.ErrAuthenticationRequired):
		kind = KindAuthenticationRequired
	case errors.Is(err, youtube.ErrRateLimited):
		// Provider throttling that outlived the retries is reported like any
		// other exhausted transient failure.
		kind = KindRateLimited
		if attempts > 0 {
			kind = KindTransient
		}
	case errors.Is(err, youtube.ErrChannelNotFound), errors.Is(err, youtube.ErrInvalidChannel):
		kind = KindChannelNotFound
	case errors.Is(err, youtube.ErrInvalidResponse):
		kind = KindInvalidResponse
	case errors.As(err, new(*storage.StorageError)):
		kind = KindStorage
	}

	out := &SyncError{Kind: kind, Err: err, Attempts: attempts}
	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		out.ResetTime = qe.Status.ResetTime
	}
	return out
}

// retryable decides which attempt failures the executor retries. Provider
// rate limits and flakiness are retried; quota, auth and missing channels are not.
func retryable(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == KindTransient || se.Kind == KindInvalidResponse
	}
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded),
		errors.Is(err, youtube.ErrQuotaExceeded),
		errors.Is(err, youtube.ErrAuthenticationRequired),
		errors.Is(err, youtube.ErrChannelNotFound):
		return false
	case errors.Is(err, youtube.ErrRateLimited),
		errors.Is(err, youtube.ErrTransient),
		errors.Is(err, youtube.ErrInvalidResponse):
		return true
	}
	return false
}

// AsSyncError classifies any error from the sync path, including quota,
// provider and storage errors returned outside a batch. Nil stays nil.
func AsSyncError(err error) *SyncError { return toSyncError(err) }
