package ytdash

import (
	"ytdash/internal/engine"
	"ytdash/internal/quota"
	"ytdash/internal/retry"
	"ytdash/internal/storage"
	"ytdash/internal/youtube"
)

// Type aliases for convenient error handling.
type (
	// SyncError is returned by page and batch syncs.
	SyncError = engine.SyncError
	// ErrorKind classifies a SyncError.
	ErrorKind = engine.Kind
	// ItemError records a single video that failed within a page.
	ItemError = engine.ItemError
	// QuotaExceededError carries the quota status that refused a request.
	QuotaExceededError = quota.QuotaExceededError
	// APIError wraps a failed YouTube Data API call.
	APIError = youtube.APIError
	// RetryableError wraps errors that occurred after retries were exhausted.
	RetryableError = retry.RetryableError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors matched with errors.Is.
var (
	ErrQuotaExceeded          = engine.ErrQuotaExceeded
	ErrRateLimited            = engine.ErrRateLimited
	ErrAuthenticationRequired = engine.ErrAuthenticationRequired
	ErrTransient              = engine.ErrTransient
	ErrInvalidResponse        = engine.ErrInvalidResponse
	ErrChannelNotFound        = engine.ErrChannelNotFound
	ErrStorage                = engine.ErrStorage
	ErrAborted                = engine.ErrAborted
	ErrBusy                   = engine.ErrBusy
	ErrInvalidOptions         = engine.ErrInvalidOptions

	// ErrInvalidChannel is returned for a channel reference that is neither
	// an ID, a handle nor a channel URL.
	ErrInvalidChannel = youtube.ErrInvalidChannel

	// Storage errors
	ErrNotFound       = storage.ErrNotFound
	ErrAlreadyExists  = storage.ErrAlreadyExists
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	ErrLockTimeout    = storage.ErrLockTimeout
)

// IsRetryable determines if an error should be retried.
func IsRetryable(err error) bool {
	return retry.IsRetryable(err)
}

// IsFatal reports whether err ends a batch, as opposed to a rate limit wait
// or a user abort.
func IsFatal(err error) bool {
	se := engine.AsSyncError(err)
	return se != nil && se.Fatal()
}
