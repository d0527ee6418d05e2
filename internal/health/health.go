// Package health serves the liveness/readiness/status/metrics HTTP
// surface from spec.md §6, ported from
// _examples/original_source/src/common/health.py's HealthRegistry/
// HealthServer onto github.com/go-chi/chi/v5 (already a direct
// dependency of the teacher, previously wired only by the now-dropped
// long-polling handler) instead of a bare http.ServeMux, matching the
// router idiom the teacher's own HTTP handler uses.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// Check is one named dependency probe (HealthCheck).
type Check struct {
	Name     string
	Fn       func(ctx context.Context) error
	Critical bool
}

// Result is the outcome of running one Check (HealthCheck.run's return dict).
type Result struct {
	Name                string  `json:"name"`
	Status              string  `json:"status"`
	Critical            bool    `json:"critical"`
	ResponseTimeMS      float64 `json:"response_time_ms"`
	Error               string  `json:"error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

type trackedCheck struct {
	Check
	mu                  sync.Mutex
	consecutiveFailures int
}

func (t *trackedCheck) run(ctx context.Context) Result {
	start := time.Now()
	err := t.Fn(ctx)
	elapsed := time.Since(start)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.consecutiveFailures = 0
		return Result{Name: t.Name, Status: "healthy", Critical: t.Critical, ResponseTimeMS: roundMS(elapsed), ConsecutiveFailures: 0}
	}
	t.consecutiveFailures++
	return Result{
		Name: t.Name, Status: "unhealthy", Critical: t.Critical, ResponseTimeMS: roundMS(elapsed),
		Error: err.Error(), ConsecutiveFailures: t.consecutiveFailures,
	}
}

func roundMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Registry aggregates health checks, stats providers, and circuit
// breakers for one process (producer or worker), matching
// HealthRegistry.
type Registry struct {
	component string
	startTime time.Time

	mu             sync.Mutex
	checks         []*trackedCheck
	statsProviders map[string]func() any
	breakers       []*breaker.Breaker
}

// NewRegistry constructs a Registry for the named component ("producer"/"worker").
func NewRegistry(component string) *Registry {
	return &Registry{component: component, startTime: time.Now(), statsProviders: make(map[string]func() any)}
}

// RegisterCheck adds a dependency probe.
func (r *Registry) RegisterCheck(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, &trackedCheck{Check: c})
}

// RegisterStatsProvider adds a named stats callback surfaced under /status.
func (r *Registry) RegisterStatsProvider(name string, fn func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsProviders[name] = fn
}

// RegisterBreaker adds a breaker whose Stats are surfaced under /status.
func (r *Registry) RegisterBreaker(b *breaker.Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = append(r.breakers, b)
}

func (r *Registry) snapshotChecks() []*trackedCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*trackedCheck(nil), r.checks...)
}

// runChecks runs every registered check and reports whether all
// critical checks passed (HealthRegistry.run_checks).
func (r *Registry) runChecks(ctx context.Context) ([]Result, bool) {
	checks := r.snapshotChecks()
	results := make([]Result, 0, len(checks))
	healthy := true
	for _, c := range checks {
		res := c.run(ctx)
		results = append(results, res)
		if c.Critical && res.Status != "healthy" {
			healthy = false
		}
	}
	return results, healthy
}

// Liveness reports process aliveness (HealthRegistry.get_liveness).
func (r *Registry) Liveness() map[string]any {
	return map[string]any{
		"status":         "alive",
		"component":      r.component,
		"uptime_seconds": roundSeconds(time.Since(r.startTime)),
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Readiness reports whether all critical dependencies are healthy
// (HealthRegistry.get_readiness).
func (r *Registry) Readiness(ctx context.Context) (map[string]any, bool) {
	results, healthy := r.runChecks(ctx)
	status := "ready"
	if !healthy {
		status = "not_ready"
	}
	return map[string]any{
		"status":    status,
		"component": r.component,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, healthy
}

// Status reports checks, stats providers, and breaker snapshots
// (HealthRegistry.get_status).
func (r *Registry) Status(ctx context.Context) map[string]any {
	results, healthy := r.runChecks(ctx)
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	r.mu.Lock()
	stats := make(map[string]any, len(r.statsProviders))
	for name, provider := range r.statsProviders {
		stats[name] = provider()
	}
	breakers := make([]model.BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b.Stats())
	}
	r.mu.Unlock()

	return map[string]any{
		"component":        r.component,
		"status":           status,
		"uptime_seconds":   roundSeconds(time.Since(r.startTime)),
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"health_checks":    results,
		"circuit_breakers": breakers,
		"statistics":       stats,
	}
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000.0
}

// Server exposes the Registry over HTTP on chi's router, matching
// HealthServer's /health, /ready, /status, plus a /metrics route for
// Prometheus scraping (spec.md §6; the Python source runs a second,
// separate metrics HTTP server via prometheus_client — chi lets both
// share one listener here).
type Server struct {
	registry *Registry
	httpSrv  *http.Server
}

// NewServer builds a Server bound to addr (e.g. ":8080").
func NewServer(registry *Registry, addr string) *Server {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, registry.Liveness())
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		data, healthy := registry.Readiness(req.Context())
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, data)
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, registry.Status(req.Context()))
	})
	r.Handle("/metrics", promhttp.Handler())

	return &Server{registry: registry, httpSrv: &http.Server{Addr: addr, Handler: r}}
}

// Start begins serving in a background goroutine. Listener errors other
// than a clean shutdown are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
