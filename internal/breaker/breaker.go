// Package breaker implements the circuit-breaker state machine from
// spec.md §4.2. The public Breaker API (AllowRequest/RecordSuccess/
// RecordFailure) is hand-rolled rather than built on a call-wrapping
// Execute style: the spec's contract lets a caller check AllowRequest,
// suspend on network I/O, and report the outcome later from a different
// stack frame, with many goroutines sharing one named breaker (e.g.
// every (account,mailbox) poller shares the "imap" breaker, and the
// connection watchdog feeds outcomes into the same breaker the
// producer/consumer read). A two-step call-wrapping breaker hands back
// a single per-call done closure for exactly that split, but threading
// it through concurrent callers on one shared Breaker would mean
// juggling one token per in-flight caller — at that point the wrapper
// is doing all the same bookkeeping this state machine does directly,
// so it's implemented straight against spec.md §4.2's transition table
// (ported from original_source/src/common/circuit_breaker.py).
package breaker

import (
	"sync"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// Config configures a single named breaker (spec.md §6, circuit breaker
// section).
type Config struct {
	FailureThreshold  uint32
	RecoveryTimeout   time.Duration
	SuccessThreshold  uint32
	ExcludedExceptions func(err error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 3
	}
	return c
}

// Breaker is a thread-safe circuit breaker for one named dependency.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            model.BreakerState
	failureCount     uint32
	successCount     uint32
	lastFailureAt    time.Time
	lastTransitionAt time.Time

	totalFailures   uint32
	totalSuccesses  uint32
	totalRejections uint32
}

// New constructs a Breaker starting in the closed state.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:             name,
		cfg:              cfg,
		state:            model.BreakerClosed,
		lastTransitionAt: time.Now(),
	}
}

// currentStateLocked returns the state after applying the open->half-open
// transition if recovery_timeout has elapsed (spec.md §4.2: "observed on
// read"). Caller must hold b.mu.
func (b *Breaker) currentStateLocked() model.BreakerState {
	if b.state == model.BreakerOpen && !b.lastFailureAt.IsZero() &&
		time.Since(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(model.BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to model.BreakerState) {
	b.state = to
	b.lastTransitionAt = time.Now()
	switch to {
	case model.BreakerClosed:
		b.failureCount = 0
		b.successCount = 0
	case model.BreakerHalfOpen:
		b.successCount = 0
	case model.BreakerOpen:
		b.successCount = 0
	}
}

// AllowRequest reports whether a caller may proceed: true in closed or
// half-open, false in open (spec.md §4.2).
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case model.BreakerClosed, model.BreakerHalfOpen:
		return true
	default:
		b.totalRejections++
		return false
	}
}

// RecordSuccess records a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case model.BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(model.BreakerClosed)
		}
	case model.BreakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure records a failed operation. err is optional and is only
// consulted against the configured excluded-exceptions predicate.
func (b *Breaker) RecordFailure(err error) {
	if err != nil && b.cfg.ExcludedExceptions != nil && b.cfg.ExcludedExceptions(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case model.BreakerHalfOpen:
		b.transitionLocked(model.BreakerOpen)
	case model.BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(model.BreakerOpen)
		}
	}
}

// RetryAfter returns how long until the breaker may move from open to
// half-open, or 0 if it is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != model.BreakerOpen || b.lastFailureAt.IsZero() {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.lastFailureAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed (maintenance operation).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(model.BreakerClosed)
	b.lastFailureAt = time.Time{}
}

// Stats returns a snapshot for /status and the circuit_breaker_state metric.
func (b *Breaker) Stats() model.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return model.BreakerStats{
		Name:             b.name,
		State:            b.currentStateLocked(),
		Failures:         b.totalFailures,
		Successes:        b.totalSuccesses,
		Rejections:       b.totalRejections,
		LastTransitionAt: b.lastTransitionAt,
	}
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }
