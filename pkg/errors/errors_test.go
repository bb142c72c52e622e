package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "foreign error", err: stderrors.New("boom"), want: ErrCodeInternal},
		{name: "service error", err: New(ErrCodeStateLocked, "locked"), want: ErrCodeStateLocked},
		{name: "wrapped by fmt", err: fmt.Errorf("ctx: %w", NotFound("invoice", "1")), want: ErrCodeNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestWrapKeepsInnerClassification(t *testing.T) {
	inner := Denied(ErrCodeOptimisticConflict, "STATUS_CHANGED", "status changed")

	wrapped := Wrap(inner, ErrCodeInternal, "failed to write record")
	assert.Equal(t, ErrCodeOptimisticConflict, wrapped.Code)
	assert.Equal(t, "STATUS_CHANGED", ReasonOf(wrapped))
	assert.True(t, stderrors.Is(wrapped, inner))

	reclassified := Wrap(inner, ErrCodeUnavailable, "replica down")
	assert.Equal(t, ErrCodeUnavailable, reclassified.Code)

	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("reason", "rejection reason is required")
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Equal(t, "INVALID_REASON", err.Reason)
	assert.Contains(t, err.Error(), "rejection reason is required")
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "invoice 7 not found", MessageOf(NotFound("invoice", "7")))
	assert.Equal(t, "boom", MessageOf(stderrors.New("boom")))
	assert.Equal(t, "failed to write", MessageOf(Wrap(stderrors.New("boom"), ErrCodeInternal, "failed to write")))
}
