package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

// Recovery reclaims orphaned pending entries left behind by a crashed
// or disconnected consumer, ported from
// _examples/original_source/src/worker/recovery.py's
// OrphanedMessageRecovery.
type Recovery struct {
	store            streamstore.Store
	streamName       string
	group            string
	consumerName     string
	minIdle          time.Duration
	maxClaimCount    int64
	maxDeliveryCount int64
	log              *slog.Logger

	mu           sync.Mutex
	totalClaimed int
	totalExpired int
}

// NewRecovery constructs a Recovery sweep for one (stream, group,
// consumer) triple.
func NewRecovery(store streamstore.Store, streamName, group, consumerName string, minIdle time.Duration, maxClaimCount, maxDeliveryCount int64, log *slog.Logger) *Recovery {
	return &Recovery{
		store: store, streamName: streamName, group: group, consumerName: consumerName,
		minIdle: minIdle, maxClaimCount: maxClaimCount, maxDeliveryCount: maxDeliveryCount, log: log,
	}
}

// Sweep lists pending entries idle at least minIdle, claims those under
// maxDeliveryCount for this consumer, and reports the IDs of those that
// exceeded it (the caller is responsible for DLQ-routing and ACKing
// those), mirroring claim_orphaned_messages.
func (r *Recovery) Sweep(ctx context.Context) (claimed []model.StreamEntry, expired []string, err error) {
	pending, err := r.store.PendingRange(ctx, r.streamName, r.group, r.minIdle, r.maxClaimCount)
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	var toClaim []string
	for _, p := range pending {
		if p.DeliveryCount >= r.maxDeliveryCount {
			expired = append(expired, p.EntryID)
			continue
		}
		toClaim = append(toClaim, p.EntryID)
	}

	if len(toClaim) > 0 {
		claimed, err = r.store.Claim(ctx, r.streamName, r.group, r.consumerName, r.minIdle, toClaim)
		if err != nil {
			r.log.ErrorContext(ctx, "failed to claim orphaned messages", "error", err)
			claimed = nil
		}
	}

	r.mu.Lock()
	r.totalClaimed += len(claimed)
	r.totalExpired += len(expired)
	r.mu.Unlock()

	if len(claimed) > 0 || len(expired) > 0 {
		r.log.InfoContext(ctx, "orphan sweep", "claimed", len(claimed), "expired", len(expired), "min_idle", r.minIdle)
	}
	return claimed, expired, nil
}

// Stats returns the running claimed/expired totals across all sweeps.
func (r *Recovery) Stats() (claimed, expired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalClaimed, r.totalExpired
}

// checkEntry tracks one named connectivity check's consecutive-failure
// streak (recovery.py's ConnectionWatchdog per-check bookkeeping dict).
type checkEntry struct {
	name                string
	check               func(ctx context.Context) error
	reconnect           func(ctx context.Context) error
	brk                 *breaker.Breaker
	consecutiveFailures int
	healthy             bool
	lastCheck           time.Time
	lastSuccess         time.Time
}

// CheckStatus is the read-only snapshot returned by Watchdog.Status.
type CheckStatus struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastSuccess         time.Time
}

// Watchdog runs named connectivity checks on a timer and triggers
// reconnection after a run of consecutive failures, the Go counterpart
// of ConnectionWatchdog's background thread (here a goroutine driven by
// context cancellation instead of a manual stop flag + thread join).
type Watchdog struct {
	interval     time.Duration
	maxFailures  int
	log          *slog.Logger

	mu     sync.Mutex
	checks []*checkEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdog constructs a Watchdog polling every interval, marking a
// check unhealthy after maxFailures consecutive failures.
func NewWatchdog(interval time.Duration, maxFailures int, log *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Watchdog{interval: interval, maxFailures: maxFailures, log: log}
}

// AddCheck registers a named connectivity probe. brk, if non-nil, has
// RecordSuccess/RecordFailure called with each outcome — the same
// breaker the producer/consumer gate their own I/O on, so a watchdog
// failure run opens it and a recovered run lets it close. reconnect, if
// non-nil, is invoked once a check crosses maxFailures.
func (w *Watchdog) AddCheck(name string, check func(ctx context.Context) error, reconnect func(ctx context.Context) error, brk *breaker.Breaker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks = append(w.checks, &checkEntry{name: name, check: check, reconnect: reconnect, brk: brk, healthy: true})
}

// Start runs the check loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		w.runAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runAll(ctx)
			}
		}
	}()
}

// Stop cancels the check loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watchdog) runAll(ctx context.Context) {
	w.mu.Lock()
	checks := append([]*checkEntry(nil), w.checks...)
	w.mu.Unlock()

	for _, c := range checks {
		w.runOne(ctx, c)
	}
}

func (w *Watchdog) runOne(ctx context.Context, c *checkEntry) {
	c.lastCheck = time.Now()

	err := c.check(ctx)
	if c.brk != nil {
		if err != nil {
			c.brk.RecordFailure(err)
		} else {
			c.brk.RecordSuccess()
		}
	}

	if err == nil {
		c.consecutiveFailures = 0
		c.lastSuccess = time.Now()
		if !c.healthy {
			c.healthy = true
			w.log.InfoContext(ctx, "watchdog check recovered", "check", c.name)
		}
		return
	}

	c.consecutiveFailures++
	w.log.WarnContext(ctx, "watchdog check failed", "check", c.name, "consecutive_failures", c.consecutiveFailures, "max", w.maxFailures, "error", err)

	if c.consecutiveFailures >= w.maxFailures {
		c.healthy = false
		w.log.ErrorContext(ctx, "watchdog check unhealthy", "check", c.name, "consecutive_failures", c.consecutiveFailures)
		if c.reconnect != nil {
			if rerr := c.reconnect(ctx); rerr != nil {
				w.log.ErrorContext(ctx, "watchdog reconnect failed", "check", c.name, "error", rerr)
			} else {
				w.log.InfoContext(ctx, "watchdog reconnect triggered", "check", c.name)
			}
		}
	}
}

// Status returns a snapshot of every registered check.
func (w *Watchdog) Status() map[string]CheckStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]CheckStatus, len(w.checks))
	for _, c := range w.checks {
		out[c.name] = CheckStatus{
			Healthy:             c.healthy,
			ConsecutiveFailures: c.consecutiveFailures,
			LastCheck:           c.lastCheck,
			LastSuccess:         c.lastSuccess,
		}
	}
	return out
}

// AllHealthy reports whether every registered check is currently healthy.
func (w *Watchdog) AllHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.checks {
		if !c.healthy {
			return false
		}
	}
	return true
}
