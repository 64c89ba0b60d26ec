package qmib

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for transient gateway failures.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call.
	MaxRetries int
	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to each delay (0.0 to 1.0).
	Jitter float64
	// MaxElapsed bounds the total time spent across attempts (0 = unbounded).
	MaxElapsed time.Duration
}

// DefaultRetryConfig returns the retry defaults used against QMIB.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: 200 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxElapsed:  time.Minute,
	}
}

// backoffFor computes the delay before the given retry attempt (1-based).
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	d := float64(c.BackoffBase) * math.Pow(c.Multiplier, float64(attempt-1))
	if max := float64(c.MaxBackoff); c.MaxBackoff > 0 && d > max {
		d = max
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// sleep waits for the computed backoff, aborting early on ctx cancellation.
func (c RetryConfig) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoffFor(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrCircuitOpen is returned when the breaker for an endpoint is open and the
// call was rejected without touching the network.
var ErrCircuitOpen = errors.New("qmib circuit breaker open")

// BreakerConfig configures a per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the breaker defaults used against QMIB.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is a consecutive-failure circuit breaker. While open it rejects
// calls immediately; after the cooldown it admits a single probe call and
// closes again only if that probe succeeds.
type breaker struct {
	mu sync.Mutex

	cfg      BreakerConfig
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool

	onChange func(from, to breakerState)
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &breaker{cfg: cfg}
}

// allow reports whether a call may proceed. In the half-open state only one
// in-flight probe is admitted at a time.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.transition(breakerHalfOpen)
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != breakerClosed {
		b.transition(breakerClosed)
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(breakerOpen)
		}
	case breakerHalfOpen:
		b.transition(breakerOpen)
	}
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	b.state = to
	if to == breakerOpen {
		b.openedAt = time.Now()
	}
	if to == breakerClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
