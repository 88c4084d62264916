// Package retry provides attempt-bounded retry logic with escalating backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// Schedule lists the wait before each retry. Attempt n+1 waits Schedule[n-1];
	// the last entry is reused when there are more retries than entries.
	// When empty, exponential backoff from InitialBackoff is used instead.
	Schedule []time.Duration
	// InitialBackoff is the initial delay before retrying.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// JitterFraction is the fraction of backoff used for jitter (0.0-1.0).
	JitterFraction float64
}

// DefaultConfig returns the sync defaults: three attempts spaced by a short,
// a medium and a long wait.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		Schedule:       []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute},
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     4.0,
		JitterFraction: 0.1,
	}
}

// ErrorClassifier determines if an error is retryable.
type ErrorClassifier func(error) bool

// Notify is called before each retry sleep with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable is the default error classifier.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// Retrier runs operations under a Config.
type Retrier struct {
	Config     Config
	Classifier ErrorClassifier
	Notify     Notify
	Sleep      Sleeper
}

// Do executes fn with retry logic, using the provided classifier to determine
// if errors are retryable.
func Do(ctx context.Context, cfg Config, classifier ErrorClassifier, fn func(context.Context) error) error {
	r := &Retrier{Config: cfg, Classifier: classifier}
	return r.Do(ctx, fn)
}

// Do executes fn until it succeeds, fails permanently, or attempts run out.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	classifier := r.Classifier
	if classifier == nil {
		classifier = IsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	attempts := r.Config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classifier(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := r.Config.Backoff(attempt)
		if r.Notify != nil {
			r.Notify(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &RetryableError{Err: lastErr, Attempts: attempts}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(c.Schedule) > 0 {
		idx := attempt - 1
		if idx >= len(c.Schedule) {
			idx = len(c.Schedule) - 1
		}
		return c.Schedule[idx]
	}

	backoff := c.InitialBackoff
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * mult)
		if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
			break
		}
	}
	backoff += jitter(backoff, c.JitterFraction)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// jitter returns a random duration in range [-jitterFraction*d, +jitterFraction*d].
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return 0
	}
	jitterRange := float64(d) * fraction
	jitterValue := (rand.Float64() - 0.5) * 2 * jitterRange
	return time.Duration(jitterValue)
}

// RetryableError is returned when every attempt failed with a retryable error.
type RetryableError struct {
	Err      error
	Attempts int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
