// Package quota tracks the daily YouTube Data API request budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ytdash/internal/storage"
)

// DefaultDailyLimit is the Data API default daily allocation.
const DefaultDailyLimit = 10000

// CautionPercent is the usage level at which callers are advised to slow down.
const CautionPercent = 80.0

// dayLayout keys ledger rows.
const dayLayout = "2006-01-02"

// ErrQuotaExceeded is matched by every QuotaExceededError.
var ErrQuotaExceeded = errors.New("youtube api quota exceeded")

// Status is a snapshot of the day's budget.
type Status struct {
	Used           int
	Limit          int
	Remaining      int
	PercentageUsed float64
	IsExceeded     bool
	// Caution is set at or above CautionPercent. It never blocks.
	Caution   bool
	ResetTime time.Time
	Day       string
	// Optimistic is set when the ledger could not be read and the status
	// was assumed rather than observed.
	Optimistic bool
}

// WouldExceed reports whether n more requests would go over the limit.
func (s Status) WouldExceed(n int) bool {
	return s.IsExceeded || s.Used+n > s.Limit
}

// QuotaExceededError is returned when the budget does not allow a request.
type QuotaExceededError struct {
	Status    Status
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("youtube api quota exceeded: %d/%d used, %d requested, resets %s",
		e.Status.Used, e.Status.Limit, e.Requested, e.Status.ResetTime.Format(time.RFC3339))
}

// Is matches ErrQuotaExceeded.
func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// UserMessage returns a message suitable for the dashboard.
func (e *QuotaExceededError) UserMessage() string {
	return fmt.Sprintf("Daily YouTube quota used up (%d of %d requests). Sync will be available again at %s.",
		e.Status.Used, e.Status.Limit, e.Status.ResetTime.Format("Jan 2 15:04 MST"))
}

// Tracker answers whether the day's budget allows more calls and records usage.
type Tracker struct {
	ledger  storage.QuotaLedger
	ownerID string
	limit   int
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLimit sets the daily request limit.
func WithLimit(limit int) Option {
	return func(t *Tracker) {
		if limit > 0 {
			t.limit = limit
		}
	}
}

// WithLocation sets the zone whose midnight starts a new quota day.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker returns a tracker for ownerID's ledger rows.
func NewTracker(ledger storage.QuotaLedger, ownerID string, opts ...Option) *Tracker {
	t := &Tracker{
		ledger:  ledger,
		ownerID: ownerID,
		limit:   DefaultDailyLimit,
		loc:     time.UTC,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LoadLocation resolves a zone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Limit returns the configured daily limit.
func (t *Tracker) Limit() int { return t.limit }

func (t *Tracker) today() (string, time.Time) {
	now := t.now().In(t.loc)
	y, m, d := now.Date()
	reset := time.Date(y, m, d+1, 0, 0, 0, 0, t.loc)
	return now.Format(dayLayout), reset
}

// CheckStatus reads today's usage. It never fails: a ledger read error yields
// an optimistic zero-usage status so that a storage hiccup does not block sync.
func (t *Tracker) CheckStatus(ctx context.Context) Status {
	day, reset := t.today()

	used := 0
	optimistic := false
	usage, err := t.ledger.GetUsage(ctx, t.ownerID, day)
	switch {
	case err == nil:
		used = usage.Used
	case errors.Is(err, storage.ErrNotFound):
	default:
		optimistic = true
		t.logger.Warn().Err(err).Str("day", day).Msg("quota ledger unreadable, assuming budget available")
	}

	st := t.status(used, day, reset)
	st.Optimistic = optimistic
	return st
}

func (t *Tracker) status(used int, day string, reset time.Time) Status {
	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if t.limit > 0 {
		pct = float64(used) / float64(t.limit) * 100
	}
	return Status{
		Used:           used,
		Limit:          t.limit,
		Remaining:      remaining,
		PercentageUsed: pct,
		IsExceeded:     used >= t.limit,
		Caution:        pct >= CautionPercent,
		ResetTime:      reset,
		Day:            day,
	}
}

// CanProceed checks that n more requests fit in today's budget.
func (t *Tracker) CanProceed(ctx context.Context, n int) (Status, error) {
	st := t.CheckStatus(ctx)
	if st.WouldExceed(n) {
		return st, &QuotaExceededError{Status: st, Requested: n}
	}
	if st.Caution {
		t.logger.Warn().
			Int("used", st.Used).
			Int("limit", st.Limit).
			Float64("percent", st.PercentageUsed).
			Msg("quota above caution threshold")
	}
	return st, nil
}

// RecordUsage adds n requests to today's counter.
func (t *Tracker) RecordUsage(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	day, _ := t.today()
	total, err := t.ledger.IncrementUsage(ctx, t.ownerID, day, n)
	if err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}
	t.logger.Debug().Str("day", day).Int("added", n).Int("used", total).Msg("quota usage recorded")
	return nil
}
