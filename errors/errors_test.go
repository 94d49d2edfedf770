package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrap(t *testing.T) {
	base := stderrors.New("socket closed")
	err := Wrap(base, "manager", "onReadable", "drain")

	require.Error(t, err)
	assert.Equal(t, "manager.onReadable: drain failed: socket closed", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "manager", "onReadable", "drain"))
}

func TestClassifiedWrappers(t *testing.T) {
	tests := []struct {
		name      string
		wrap      func(error, string, string, string) error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"transient", WrapTransient, true, false, false},
		{"invalid", WrapInvalid, false, true, false},
		{"fatal", WrapFatal, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := stderrors.New("boom")
			err := tt.wrap(base, "comp", "op", "action")

			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.invalid, IsInvalid(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.True(t, stderrors.Is(err, base), "wrapped chain must survive classification")

			assert.NoError(t, tt.wrap(nil, "comp", "op", "action"))
		})
	}
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrIdleTimeout))
	assert.True(t, IsTransient(ErrBufferOverflow))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", ErrConnectionClosed)))

	assert.True(t, IsInvalid(ErrBadRequest))
	assert.True(t, IsInvalid(ErrMethodNotAllowed))

	assert.True(t, IsFatal(ErrPipelineFailed))
	assert.True(t, IsFatal(ErrEndOfStream))
	assert.True(t, IsFatal(fmt.Errorf("bus: %w", ErrInvalidPipeline)))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrEndOfStream))
	assert.Equal(t, ErrorInvalid, Classify(ErrBadRequest))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("unknown")))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := stderrors.New("inner")
	err := WrapFatal(base, "pipeline", "Start", "state change")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "pipeline", ce.Component)
	assert.Equal(t, "Start", ce.Operation)
	assert.True(t, stderrors.Is(ce.Unwrap(), base))
}
