package model

import "time"

// BreakerState mirrors the three circuit-breaker states from spec.md §4.2.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerStats is the read-only snapshot returned by Breaker.Stats
// (spec.md §3/§4.2).
type BreakerStats struct {
	Name              string
	State             BreakerState
	Failures          uint32
	Successes         uint32
	Rejections        uint32
	LastTransitionAt  time.Time
}
