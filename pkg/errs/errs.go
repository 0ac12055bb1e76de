// Package errs defines the error taxonomy shared by every component. Each
// error carries a Kind with a stable numeric code so callers can dispatch
// programmatically (over the wire the code travels alongside the message).
//
// Matching is kind-based: errors.Is(err, errs.ErrConflict) is true for any
// Conflict-kind error regardless of message, and errors.As extracts the
// *errs.Error for field/code access.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error. The numeric value is the stable wire code.
type Kind int

const (
	Validation     Kind = 1001
	NotFound       Kind = 1002
	Conflict       Kind = 1003
	CircuitOpen    Kind = 1004
	Throttled      Kind = 1005
	Timeout        Kind = 1006
	GuardrailBlock Kind = 1007
	BudgetExceeded Kind = 1008
	Cancelled      Kind = 1009
	Corruption     Kind = 1010
	Internal       Kind = 1999
)

// String returns the canonical lower_snake name used in logs and wire frames.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case CircuitOpen:
		return "circuit_open"
	case Throttled:
		return "throttled"
	case Timeout:
		return "timeout"
	case GuardrailBlock:
		return "guardrail_block"
	case BudgetExceeded:
		return "budget_exceeded"
	case Cancelled:
		return "cancelled"
	case Corruption:
		return "corruption"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code returns the stable numeric code for the kind.
func (k Kind) Code() int { return int(k) }

// Error is the taxonomy error type. Field is set for Validation errors only.
type Error struct {
	Kind  Kind
	Msg   string
	Field string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: field '%s': %s: %v", e.Kind, e.Field, e.Msg, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field '%s': %s", e.Kind, e.Field, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by Kind so the premade sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a taxonomy error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validationf creates a field-scoped Validation error.
func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: Validation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Kind-level sentinels for errors.Is checks.
var (
	ErrNotFound       = New(NotFound, "not found")
	ErrConflict       = New(Conflict, "sequence conflict")
	ErrCircuitOpen    = New(CircuitOpen, "circuit open")
	ErrThrottled      = New(Throttled, "throttled")
	ErrTimeout        = New(Timeout, "deadline exceeded")
	ErrGuardrailBlock = New(GuardrailBlock, "guardrail blocked")
	ErrBudgetExceeded = New(BudgetExceeded, "budget exceeded")
	ErrCancelled      = New(Cancelled, "cancelled")
	ErrCorruption     = New(Corruption, "content hash mismatch")
)

// KindOf extracts the Kind of err, walking the wrap chain. Plain context
// errors classify as Timeout/Cancelled; anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// IsKind reports whether err (anywhere in its chain) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext converts a context error into its taxonomy equivalent.
// Returns nil for a nil error.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, "context cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, "context deadline exceeded", err)
	default:
		return Wrap(Internal, "context error", err)
	}
}
