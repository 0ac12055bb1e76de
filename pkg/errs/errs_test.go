package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStringAndCode(t *testing.T) {
	assert.Equal(t, "validation", Validation.String())
	assert.Equal(t, 1001, Validation.Code())
	assert.Equal(t, "guardrail_block", GuardrailBlock.String())
	assert.Equal(t, 1007, GuardrailBlock.Code())
	assert.Equal(t, "internal", Internal.String())
	assert.Equal(t, 1999, Internal.Code())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestSentinelMatchingByKind(t *testing.T) {
	err := Newf(Conflict, "expected sequence %d, store at %d", 3, 5)

	// Same kind, different message: still matches the sentinel.
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestMatchingThroughWrapChain(t *testing.T) {
	base := New(CircuitOpen, "provider fenced")
	wrapped := fmt.Errorf("run detection: %w", base)

	assert.True(t, errors.Is(wrapped, ErrCircuitOpen))
	assert.Equal(t, CircuitOpen, KindOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, 1004, e.Kind.Code())
}

func TestValidationCarriesField(t *testing.T) {
	err := Validationf("severity", "unknown value %q", "URGENT")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "severity", e.Field)
	assert.Contains(t, err.Error(), "field 'severity'")
	assert.True(t, IsKind(err, Validation))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, Cancelled, KindOf(context.Canceled))
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(0), KindOf(nil))
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(nil))

	err := FromContext(context.Canceled)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))

	err = FromContext(context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "append failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "append failed")
	assert.Contains(t, err.Error(), "connection refused")
}
