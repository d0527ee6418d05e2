package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

func TestAllowRequestClosedByDefault(t *testing.T) {
	b := New("test", Config{})
	if !b.AllowRequest() {
		t.Fatal("a fresh breaker must start closed and allow requests")
	}
	if got := b.Stats().State; got != model.BreakerClosed {
		t.Fatalf("initial state = %v, want closed", got)
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	if !b.AllowRequest() {
		t.Fatal("breaker must stay closed below the failure threshold")
	}

	b.RecordFailure(errors.New("boom"))
	if b.AllowRequest() {
		t.Fatal("breaker must open once the failure threshold is reached")
	}
	if got := b.Stats().State; got != model.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if b.RetryAfter() <= 0 {
		t.Fatal("RetryAfter must be positive while open")
	}
}

// TestBreakerConvergence is invariant I5: under a steady run of
// successful operations lasting longer than recovery_timeout, the
// breaker ends up closed.
func TestBreakerConvergence(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Millisecond,
		SuccessThreshold: 2,
	})

	b.RecordFailure(errors.New("boom"))
	if b.AllowRequest() {
		t.Fatal("breaker should be open immediately after crossing the threshold")
	}

	time.Sleep(10 * time.Millisecond)

	if !b.AllowRequest() {
		t.Fatal("breaker should allow a trial request once recovery_timeout has elapsed")
	}
	if got := b.Stats().State; got != model.BreakerHalfOpen {
		t.Fatalf("state after recovery_timeout = %v, want half_open", got)
	}

	b.RecordSuccess()
	if got := b.Stats().State; got != model.BreakerHalfOpen {
		t.Fatalf("state after one success below success_threshold = %v, want half_open", got)
	}
	b.RecordSuccess()
	if got := b.Stats().State; got != model.BreakerClosed {
		t.Fatalf("state after success_threshold successes = %v, want closed", got)
	}
	if b.RetryAfter() != 0 {
		t.Fatal("RetryAfter must be zero once closed")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond, SuccessThreshold: 2})
	b.RecordFailure(errors.New("boom"))
	time.Sleep(10 * time.Millisecond)
	if !b.AllowRequest() {
		t.Fatal("expected half-open after recovery timeout")
	}
	b.RecordFailure(errors.New("still broken"))
	if b.AllowRequest() {
		t.Fatal("a failure in half-open must reopen the breaker")
	}
}

func TestReset(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1})
	b.RecordFailure(errors.New("boom"))
	if b.AllowRequest() {
		t.Fatal("precondition: breaker should be open")
	}
	b.Reset()
	if !b.AllowRequest() {
		t.Fatal("Reset must force the breaker back to closed")
	}
	if b.RetryAfter() != 0 {
		t.Fatal("RetryAfter must be zero after Reset")
	}
}

func TestExcludedExceptionsIgnored(t *testing.T) {
	isIgnorable := func(err error) bool { return err.Error() == "ignorable" }
	b := New("test", Config{FailureThreshold: 1, ExcludedExceptions: isIgnorable})
	b.RecordFailure(errors.New("ignorable"))
	if !b.AllowRequest() {
		t.Fatal("an excluded error must not count toward the failure threshold")
	}
}
