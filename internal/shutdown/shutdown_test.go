package shutdown

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestShutdownOrdering is invariant I6: during Initiate, callbacks run
// in non-decreasing priority order.
func TestShutdownOrdering(t *testing.T) {
	reset()
	m := Get(time.Second, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of priority order on purpose.
	m.Register("final", PriorityFinalCleanup, record("final"))
	m.Register("intake", PriorityStopIntake, record("intake"))
	m.Register("external", PriorityCloseExternal, record("external"))
	m.Register("drain", PriorityDrainInflight, record("drain"))
	m.Register("flush", PriorityFlushState, record("flush"))

	m.Initiate()

	want := []string{"intake", "drain", "flush", "external", "final"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
}

func TestInitiateIsIdempotent(t *testing.T) {
	reset()
	m := Get(time.Second, nil)

	calls := 0
	m.Register("once", PriorityStopIntake, func() error {
		calls++
		return nil
	})

	m.Initiate()
	m.Initiate() // second call must be a no-op

	if calls != 1 {
		t.Fatalf("callback ran %d times, want exactly 1", calls)
	}
	if m.IsRunning() {
		t.Fatal("manager must not report running after Initiate")
	}
}

func TestWaitForShutdown(t *testing.T) {
	reset()
	m := Get(time.Second, nil)

	done := make(chan bool, 1)
	go func() { done <- m.WaitForShutdown(0) }()

	time.Sleep(10 * time.Millisecond)
	m.Initiate()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitForShutdown must report true once Initiate has run")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not unblock after Initiate")
	}
}

func TestWaitForShutdownTimesOut(t *testing.T) {
	reset()
	m := Get(time.Second, nil)
	if m.WaitForShutdown(10 * time.Millisecond) {
		t.Fatal("WaitForShutdown must report false when it times out before Initiate")
	}
}

func TestCallbackTimeoutIsSkipped(t *testing.T) {
	reset()
	m := Get(30*time.Millisecond, nil)

	var ranSecond bool
	m.Register("slow", PriorityStopIntake, func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	m.Register("next", PriorityDrainInflight, func() error {
		ranSecond = true
		return nil
	})

	m.Initiate()

	if ranSecond {
		t.Fatal("a callback after the shutdown deadline has passed must be skipped")
	}
}

func TestUnregisterRemovesCallback(t *testing.T) {
	reset()
	m := Get(time.Second, nil)

	ran := false
	m.Register("removable", PriorityStopIntake, func() error {
		ran = true
		return nil
	})
	if !m.Unregister("removable") {
		t.Fatal("Unregister should report true for a registered callback")
	}

	m.Initiate()
	if ran {
		t.Fatal("an unregistered callback must not run")
	}
}
