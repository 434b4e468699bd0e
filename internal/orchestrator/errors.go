package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Kind classifies an operation failure for the caller.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindValidationFailed
	KindPreconditionFailed
	KindUpstreamTimeout
	KindUpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindValidationFailed:
		return "validation_failed"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamFailure:
		return "upstream_failure"
	}
	return "unknown"
}

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrValidationFailed   = &Error{Kind: KindValidationFailed}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrUpstreamTimeout    = &Error{Kind: KindUpstreamTimeout}
	ErrUpstreamFailure    = &Error{Kind: KindUpstreamFailure}
)

// Error is a classified orchestration failure with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool { return e.Kind == KindUpstreamTimeout }

// KindOf returns the Kind of err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func invalid(format string, args ...any) *Error {
	return newError(KindValidationFailed, format, args...)
}

func precondition(format string, args ...any) *Error {
	return newError(KindPreconditionFailed, format, args...)
}

// upstream classifies a gateway error as timeout or failure.
func upstream(reason string, err error) *Error {
	kind := KindUpstreamFailure
	if hypervisor.IsTimeout(err) {
		kind = KindUpstreamTimeout
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// lookup maps store.ErrNotFound to a NotFound error and wraps anything
// else as an internal failure.
func lookup(err error, what, key string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound("%s %q not found", what, key)
	}
	return fmt.Errorf("get %s %s: %w", what, key, err)
}
