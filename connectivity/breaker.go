package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probe calls allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// BreakerConfig tunes a CircuitBreaker. Zero values take the defaults.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the breaker. Default: 5.
	Threshold int
	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration
	// Probes is the consecutive half-open successes needed to close. Default: 1.
	Probes int
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (c *BreakerConfig) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker stops hammering a service that keeps failing, e.g. the
// vision API during an outage while operators keep sending photos.
// Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.defaults()
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current state, moving open to half-open once the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.Probes {
			cb.state = BreakerClosed
			cb.failures, cb.successes = 0, 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Threshold {
			cb.open()
		}
	case BreakerHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = cb.cfg.Now()
	cb.successes = 0
}

// tick must be called with mu held.
func (cb *CircuitBreaker) tick() {
	if cb.state == BreakerOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}

// WithCircuitBreaker rejects calls with *ErrCircuitOpen while cb is open.
// Only errors accepted by counts are recorded as failures; a nil counts
// records every error.
func WithCircuitBreaker(cb *CircuitBreaker, service string, counts func(error) bool) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, payload)
			switch {
			case err == nil:
				cb.Success()
			case counts == nil || counts(err):
				cb.Failure()
			}
			return resp, err
		}
	}
}
