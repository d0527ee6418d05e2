// Package shutdown implements the ordered graceful-shutdown sequence
// from spec.md §4.3, ported from
// _examples/original_source/src/common/shutdown.py: a process-wide
// singleton that runs registered callbacks in priority order, bounded
// by a single deadline, when a signal or an internal caller initiates
// shutdown.
package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// State is one of the three lifecycle states a Manager can be in.
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// Priority buckets from spec.md §4.3. Lower runs first.
const (
	PriorityStopIntake     = 0
	PriorityDrainInflight  = 10
	PriorityFlushState     = 20
	PriorityCloseExternal  = 30
	PriorityFinalCleanup   = 40
)

type callback struct {
	priority int
	name     string
	fn       func() error
}

// Manager is a singleton, process-wide ordered-shutdown coordinator.
type Manager struct {
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	callbacks []callback

	done     chan struct{}
	doneOnce sync.Once

	stopNotify func() // installed by InstallSignalHandlers, for tests to override
}

var (
	instance     *Manager
	instanceOnce sync.Once
	instanceMu   sync.Mutex
)

// Get returns the process-wide Manager, constructing it on first call
// with the given timeout. Subsequent calls ignore timeout and return
// the existing instance, matching the Python singleton's __new__/init
// guard.
func Get(timeout time.Duration, log *slog.Logger) *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instanceOnce.Do(func() {
		if log == nil {
			log = slog.Default()
		}
		instance = &Manager{
			timeout: timeout,
			log:     log,
			state:   StateRunning,
			done:    make(chan struct{}),
		}
		instance.log.Info("shutdown manager initialized", "timeout", timeout)
	})
	return instance
}

// reset tears down the singleton; test-only.
func reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instanceOnce = sync.Once{}
	instance = nil
}

// IsRunning reports whether shutdown has not yet been initiated.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

// IsShuttingDown reports whether shutdown is in progress.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateShuttingDown
}

// Register adds a cleanup callback at the given priority. Lower
// priorities run first; see the Priority* constants.
func (m *Manager) Register(name string, priority int, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback{priority: priority, name: name, fn: fn})
	sort.SliceStable(m.callbacks, func(i, j int) bool {
		return m.callbacks[i].priority < m.callbacks[j].priority
	})
	m.log.Debug("registered shutdown callback", "name", name, "priority", priority)
}

// Unregister removes a previously registered callback by name. Reports
// whether anything was removed.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.callbacks)
	kept := m.callbacks[:0]
	for _, cb := range m.callbacks {
		if cb.name != name {
			kept = append(kept, cb)
		}
	}
	m.callbacks = kept
	return len(m.callbacks) < before
}

// InstallSignalHandlers arranges for SIGINT/SIGTERM to call
// Initiate. It returns a stop function the caller should defer to
// release the signal channel.
func (m *Manager) InstallSignalHandlers() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		m.log.Info("received signal, initiating shutdown", "signal", sig.String())
		m.Initiate()
	}()

	return func() { signal.Stop(ch); close(ch) }
}

// Initiate begins the shutdown sequence. Safe to call from a signal
// handler, an fx.Lifecycle OnStop hook, or any other goroutine;
// concurrent and repeated calls after the first are no-ops.
func (m *Manager) Initiate() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		m.log.Warn("shutdown already in progress, ignoring")
		return
	}
	m.state = StateShuttingDown
	callbacks := append([]callback(nil), m.callbacks...)
	m.mu.Unlock()

	m.doneOnce.Do(func() { close(m.done) })
	m.log.Info("shutdown initiated", "callback_count", len(callbacks))

	m.executeCallbacks(callbacks)

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	m.log.Info("shutdown complete")
}

func (m *Manager) executeCallbacks(callbacks []callback) {
	deadline := time.Now().Add(m.timeout)

	for _, cb := range callbacks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.log.Error("shutdown timeout exceeded, skipping remaining callbacks",
				"timeout", m.timeout)
			return
		}

		m.log.Info("executing shutdown callback", "name", cb.name, "priority", cb.priority)
		if err := runWithDeadline(cb.fn, remaining); err != nil {
			m.log.Error("shutdown callback failed", "name", cb.name, "error", err)
			continue
		}
		m.log.Info("shutdown callback completed", "name", cb.name)
	}
}

// runWithDeadline runs fn, abandoning it (but not cancelling the
// goroutine) if it outlives timeout. Callbacks are expected to be
// context-aware and return promptly; this bound exists so one slow
// callback cannot consume the whole shutdown budget.
func runWithDeadline(fn func() error, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- &panicError{r}
			}
		}()
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return errTimedOut
	}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "panic in shutdown callback" }

var errTimedOut = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "shutdown callback exceeded remaining budget" }

// WaitForShutdown blocks until Initiate has been called, or timeout
// elapses if timeout > 0. Returns true if shutdown was initiated.
func (m *Manager) WaitForShutdown(timeout time.Duration) bool {
	if timeout <= 0 {
		<-m.done
		return true
	}
	select {
	case <-m.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Status is the /status payload fragment describing shutdown state.
type Status struct {
	State               string   `json:"state"`
	IsRunning           bool     `json:"is_running"`
	CallbacksRegistered int      `json:"callbacks_registered"`
	CallbackNames       []string `json:"callback_names"`
	TimeoutSeconds      float64  `json:"timeout_seconds"`
}

// GetStatus returns a snapshot for health/status reporting.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		names = append(names, cb.name)
	}
	return Status{
		State:               m.state.String(),
		IsRunning:           m.state == StateRunning,
		CallbacksRegistered: len(m.callbacks),
		CallbackNames:       names,
		TimeoutSeconds:      m.timeout.Seconds(),
	}
}
