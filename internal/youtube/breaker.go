package youtube

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal state where requests are allowed.
	CircuitClosed CircuitState = iota
	// CircuitOpen is the state where requests fail fast.
	CircuitOpen
	// CircuitHalfOpen lets a single probe request through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrCircuitOpen is wrapped in a transient APIError while an operation's
// circuit is open. No request is sent, so no quota is spent.
var ErrCircuitOpen = errors.New("youtube: circuit breaker is open")

// BreakerConfig configures when a circuit opens and how long it stays open.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

type circuit struct {
	state             CircuitState
	consecutiveErrors int
	openedAt          time.Time
	probing           bool
}

// BreakerProvider guards a Provider with one circuit per API operation.
// Only transient failures count; quota, auth and not-found errors say
// nothing about the API's health.
type BreakerProvider struct {
	next     Provider
	cfg      BreakerConfig
	mu       sync.Mutex
	circuits map[string]*circuit
}

var (
	_ Provider   = (*BreakerProvider)(nil)
	_ ListCoster = (*BreakerProvider)(nil)
)

// NewBreakerProvider wraps next.
func NewBreakerProvider(next Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BreakerProvider{next: next, cfg: cfg, circuits: make(map[string]*circuit)}
}

// ListPage implements Provider.
func (b *BreakerProvider) ListPage(ctx context.Context, req PageRequest) (*ListResult, error) {
	const op = "playlistItems.list"
	if err := b.allow(op); err != nil {
		return &ListResult{}, err
	}
	res, err := b.next.ListPage(ctx, req)
	b.record(op, err)
	return res, err
}

// ListCost forwards to the wrapped provider.
func (b *BreakerProvider) ListCost(channelID string) int {
	return ListCost(b.next, channelID)
}

// FetchDetails implements Provider.
func (b *BreakerProvider) FetchDetails(ctx context.Context, ids []string) ([]VideoDetails, error) {
	const op = "videos.list"
	if err := b.allow(op); err != nil {
		return nil, err
	}
	details, err := b.next.FetchDetails(ctx, ids)
	b.record(op, err)
	return details, err
}

// State returns the current state of op's circuit.
func (b *BreakerProvider) State(op string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[op]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && b.cfg.Now().Sub(c.openedAt) >= b.cfg.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *BreakerProvider) get(op string) *circuit {
	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{}
		b.circuits[op] = c
	}
	return c
}

func (b *BreakerProvider) allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(op)
	switch c.state {
	case CircuitOpen:
		if b.cfg.Now().Sub(c.openedAt) < b.cfg.RecoveryTimeout {
			return &APIError{Op: op, Kind: ErrTransient, Err: ErrCircuitOpen}
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return &APIError{Op: op, Kind: ErrTransient, Err: ErrCircuitOpen}
		}
		c.probing = true
	}
	return nil
}

func (b *BreakerProvider) record(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(op)
	c.probing = false
	if err == nil || !countsAsFailure(err) {
		// A non-transient answer still proves the API is reachable.
		c.state = CircuitClosed
		c.consecutiveErrors = 0
		return
	}

	c.consecutiveErrors++
	if c.state == CircuitHalfOpen || c.consecutiveErrors >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = b.cfg.Now()
	}
}

func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
}
