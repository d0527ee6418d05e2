// Package retry implements the per-message exponential backoff
// controller from spec.md §4.5 (C5), ported from
// _examples/original_source/src/worker/backoff.py. State is held
// in-memory only and is lost on restart; that's acceptable here too,
// since the stream store's delivery-count and the DLQ are the
// durable backstop against infinite retries (spec.md §4.7).
package retry

import (
	"math"
	"sync"
	"time"
)

// Config tunes the backoff curve (spec.md §6).
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

type entry struct {
	attempts      int
	nextRetryAt   time.Time
	lastRecordedAt time.Time
}

// Controller tracks retry attempts and next-eligible-retry time per
// message key (the consumer passes the message fingerprint, falling back
// to the stream entry ID).
type Controller struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewController constructs a Controller.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg.withDefaults(), entries: make(map[string]*entry)}
}

// CalculateDelay returns the backoff delay for a 0-indexed attempt
// number: min(max_delay, initial_delay * multiplier^attempt).
func (c *Controller) CalculateDelay(attempt int) time.Duration {
	d := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether key may be retried now: it has not
// exceeded MaxRetries and its backoff window has elapsed.
func (c *Controller) ShouldRetry(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return true
	}
	if e.attempts >= c.cfg.MaxRetries {
		return false
	}
	if !e.nextRetryAt.IsZero() && time.Now().Before(e.nextRetryAt) {
		return false
	}
	return true
}

// RecordFailure increments key's attempt count and schedules its next
// eligible retry time. Returns the new attempt count.
func (c *Controller) RecordFailure(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.attempts++
	delay := c.CalculateDelay(e.attempts - 1)
	e.nextRetryAt = time.Now().Add(delay)
	e.lastRecordedAt = time.Now()
	return e.attempts
}

// RecordSuccess clears all retry tracking for key.
func (c *Controller) RecordSuccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Attempts returns the current attempt count for key (0 if untracked).
func (c *Controller) Attempts(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.attempts
	}
	return 0
}

// NextRetryAt returns the scheduled next-retry time for key, and
// whether one is scheduled.
func (c *Controller) NextRetryAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.nextRetryAt.IsZero() {
		return time.Time{}, false
	}
	return e.nextRetryAt, true
}

// HasExceededMax reports whether key has used up all its retries.
func (c *Controller) HasExceededMax(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.attempts >= c.cfg.MaxRetries
}

// CleanupOlderThan drops tracking entries whose last recorded failure
// is older than age, bounding memory growth across long-running
// worker processes.
func (c *Controller) CleanupOlderThan(age time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-age)
	removed := 0
	for key, e := range c.entries {
		if e.lastRecordedAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
