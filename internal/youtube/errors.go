package youtube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Sentinel errors. Every *APIError matches exactly one of them via errors.Is.
var (
	// ErrAuthenticationRequired means the account must be reconnected.
	ErrAuthenticationRequired = errors.New("youtube: authentication required")
	// ErrQuotaExceeded is the provider's own daily quota signal.
	ErrQuotaExceeded = errors.New("youtube: provider quota exceeded")
	// ErrRateLimited is a 429 or a rate-limit reason on 403.
	ErrRateLimited = errors.New("youtube: rate limited")
	// ErrTransient covers 5xx and network failures.
	ErrTransient = errors.New("youtube: transient provider error")
	// ErrInvalidResponse is a malformed or unexpectedly empty payload.
	ErrInvalidResponse = errors.New("youtube: invalid response")
	// ErrChannelNotFound means the channel or its uploads playlist does not exist.
	ErrChannelNotFound = errors.New("youtube: channel not found")
)

// APIError wraps a Data API failure with its classification.
type APIError struct {
	// Op is the API call, e.g. "playlistItems.list".
	Op string
	// StatusCode is the HTTP status, 0 for transport errors.
	StatusCode int
	// Reason is the first googleapi error reason, e.g. "quotaExceeded".
	Reason string
	// Kind is one of the package sentinels.
	Kind error
	Err  error
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("youtube: %s: %d %s: %v", e.Op, e.StatusCode, e.Reason, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("youtube: %s: %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("youtube: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches the classification sentinel.
func (e *APIError) Is(target error) bool { return target == e.Kind }

// Classify maps a raw client error onto the package sentinels.
// Context errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		return &APIError{
			Op:         op,
			StatusCode: gerr.Code,
			Reason:     reason,
			Kind:       kindFor(gerr.Code, reason, gerr.Message),
			Err:        err,
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &APIError{Op: op, Kind: ErrAuthenticationRequired, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &APIError{Op: op, Kind: ErrTransient, Err: err}
	}

	return &APIError{Op: op, Kind: kindFor(0, "", err.Error()), Err: err}
}

func kindFor(code int, reason, message string) error {
	switch reason {
	case "quotaExceeded", "dailyLimitExceeded":
		return ErrQuotaExceeded
	case "rateLimitExceeded", "userRateLimitExceeded":
		return ErrRateLimited
	case "authError", "forbidden", "insufficientPermissions", "accountDelegationForbidden":
		return ErrAuthenticationRequired
	case "playlistNotFound", "channelNotFound":
		return ErrChannelNotFound
	}

	switch {
	case code == http.StatusUnauthorized:
		return ErrAuthenticationRequired
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusNotFound:
		return ErrChannelNotFound
	case code >= 500:
		return ErrTransient
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "exceeded your quota") || strings.Contains(lower, "quota exceeded"):
		return ErrQuotaExceeded
	case strings.Contains(lower, "rate") || strings.Contains(lower, "quota"):
		return ErrRateLimited
	case code == http.StatusForbidden:
		return ErrAuthenticationRequired
	case code >= 400:
		return ErrInvalidResponse
	}
	return ErrTransient
}
