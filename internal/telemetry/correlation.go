// Package telemetry threads a correlation ID and component name
// through context.Context, the Go replacement for the
// contextvars-based propagation in
// _examples/original_source/src/common/correlation.py (spec.md §9's
// migration note: Python contextvars become explicit context.Context
// values in Go). IDs are minted with github.com/oklog/ulid so they
// sort lexicographically by creation time, which uuid4 does not.
package telemetry

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	componentKey
)

// NewCorrelationID mints a new sortable, globally unique ID.
func NewCorrelationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// WithCorrelationID returns a copy of ctx carrying id. An empty id
// mints a fresh one, matching CorrelationContext()'s auto-generate
// behavior.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation ID carried by ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithComponent returns a copy of ctx carrying the named component
// (e.g. "producer", "worker", "health").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// Component returns the component name carried by ctx, or "" if none.
func Component(ctx context.Context) string {
	c, _ := ctx.Value(componentKey).(string)
	return c
}
