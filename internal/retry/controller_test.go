package retry

import (
	"testing"
	"time"
)

func TestCalculateDelayBoundaries(t *testing.T) {
	c := NewController(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	if got := c.CalculateDelay(0); got != 100*time.Millisecond {
		t.Fatalf("delay at attempt 0 = %v, want initial_delay (100ms)", got)
	}
	if got := c.CalculateDelay(1); got != 200*time.Millisecond {
		t.Fatalf("delay at attempt 1 = %v, want 200ms", got)
	}
	if got := c.CalculateDelay(2); got != 400*time.Millisecond {
		t.Fatalf("delay at attempt 2 = %v, want 400ms", got)
	}
	// saturates at max_delay.
	if got := c.CalculateDelay(10); got != time.Second {
		t.Fatalf("delay at attempt 10 = %v, want max_delay (1s)", got)
	}
}

func TestRecordFailureUsesZeroIndexedAttempt(t *testing.T) {
	c := NewController(Config{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 5})

	attempts := c.RecordFailure("k")
	if attempts != 1 {
		t.Fatalf("attempts after first failure = %d, want 1", attempts)
	}
	next, ok := c.NextRetryAt("k")
	if !ok {
		t.Fatal("expected a scheduled next-retry time")
	}
	if delay := time.Until(next); delay > 60*time.Millisecond || delay < 40*time.Millisecond {
		t.Fatalf("first-failure delay should be ~initial_delay (50ms), got %v", delay)
	}
}

func TestShouldRetryBoundary(t *testing.T) {
	c := NewController(Config{InitialDelay: 5 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 2})

	if !c.ShouldRetry("k") {
		t.Fatal("an untracked key must be retryable")
	}

	c.RecordFailure("k") // attempts=1
	if c.ShouldRetry("k") {
		t.Fatal("must not retry before next_ready_at elapses")
	}
	time.Sleep(10 * time.Millisecond)
	if !c.ShouldRetry("k") {
		t.Fatal("must retry once next_ready_at has elapsed and attempts < max_attempts")
	}

	c.RecordFailure("k") // attempts=2 == MaxRetries
	time.Sleep(25 * time.Millisecond)
	if c.ShouldRetry("k") {
		t.Fatal("must not retry once attempts >= max_attempts, regardless of elapsed time")
	}
	if !c.HasExceededMax("k") {
		t.Fatal("HasExceededMax must report true once attempts >= max_attempts")
	}
}

func TestRecordSuccessClearsTracking(t *testing.T) {
	c := NewController(Config{MaxRetries: 1})
	c.RecordFailure("k")
	if c.Attempts("k") != 1 {
		t.Fatal("expected one tracked attempt")
	}
	c.RecordSuccess("k")
	if c.Attempts("k") != 0 {
		t.Fatal("RecordSuccess must clear tracking for the key")
	}
	if !c.ShouldRetry("k") {
		t.Fatal("a cleared key must be retryable again")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	c := NewController(Config{})
	c.RecordFailure("old")
	time.Sleep(10 * time.Millisecond)
	c.RecordFailure("new")

	removed := c.CleanupOlderThan(5 * time.Millisecond)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (only the older key)", removed)
	}
	if c.Attempts("new") != 1 {
		t.Fatal("the recently-recorded key must survive cleanup")
	}
	if c.Attempts("old") != 0 {
		t.Fatal("the stale key must have been removed")
	}
}
