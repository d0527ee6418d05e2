// Package apperrors is the closed error taxonomy from spec.md §7,
// re-expressed as typed Go errors instead of the broad exception
// hierarchy the source used for control flow (spec.md §9).
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the seven error classes in spec.md §7.
type Kind string

const (
	KindTransientStreamStore Kind = "transient_stream_store"
	KindTransientIMAP        Kind = "transient_imap"
	KindAuthFailure          Kind = "auth_failure"
	KindStateMismatch        Kind = "state_mismatch"
	KindProcessing           Kind = "processing_error"
	KindPoisonMessage        Kind = "poison_message"
	KindConfiguration        Kind = "configuration_error"
)

// Error wraps an inner error with a Kind and the name of the dependency
// it originated from, so breaker routing and exit-code selection can
// branch on it with errors.As.
type Error struct {
	Kind       Kind
	Dependency string
	Err        error
}

func (e *Error) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Dependency, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apperrors.KindX) style checks via a sentinel
// comparison on Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func New(kind Kind, dependency string, err error) *Error {
	return &Error{Kind: kind, Dependency: dependency, Err: err}
}

func TransientStreamStore(dependency string, err error) *Error {
	return New(KindTransientStreamStore, dependency, err)
}

func TransientIMAP(dependency string, err error) *Error {
	return New(KindTransientIMAP, dependency, err)
}

func AuthFailure(dependency string, err error) *Error {
	return New(KindAuthFailure, dependency, err)
}

func StateMismatch(dependency string, err error) *Error {
	return New(KindStateMismatch, dependency, err)
}

func Processing(dependency string, err error) *Error {
	return New(KindProcessing, dependency, err)
}

func PoisonMessage(dependency string, err error) *Error {
	return New(KindPoisonMessage, dependency, err)
}

func Configuration(dependency string, err error) *Error {
	return New(KindConfiguration, dependency, err)
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
