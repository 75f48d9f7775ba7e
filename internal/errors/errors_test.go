package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *PreviewError
		expected string
	}{
		{
			name:     "message only",
			err:      &PreviewError{Kind: KindCompile, Message: "unexpected token"},
			expected: "unexpected token",
		},
		{
			name:     "code and message",
			err:      NewCompileError(ErrCodeMissingEntry, "missing Component", nil),
			expected: "[ERR_MISSING_ENTRY] missing Component",
		},
		{
			name:     "with cause",
			err:      NewInitializationError(ErrCodeInitFailed, "engine failed", fmt.Errorf("boom")),
			expected: "[ERR_INIT_FAILED] engine failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestPreviewError_Taxonomy(t *testing.T) {
	assert.True(t, NewInitializationError(ErrCodeInitTimeout, "timeout", nil).Retryable)
	assert.False(t, NewCompileError(ErrCodeTransformFailed, "bad", nil).Retryable)
	assert.True(t, NewRuntimeError("boom", nil).Retryable)

	resource := NewResourceLoadError("script failed")
	assert.Equal(t, KindResourceLoad, resource.Kind)
	assert.Equal(t, ErrCodeResourceLoad, resource.Code)
}

func TestPreviewError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewCompileError(ErrCodeBundleFailed, "bundle error", nil))

	assert.True(t, errors.Is(err, &PreviewError{Kind: KindCompile, Code: ErrCodeBundleFailed}))
	assert.False(t, errors.Is(err, &PreviewError{Kind: KindRuntime, Code: ErrCodeBundleFailed}))
	assert.Equal(t, KindCompile, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestAsPreviewError(t *testing.T) {
	assert.Nil(t, AsPreviewError(nil, KindRuntime))

	original := NewCompileError(ErrCodeTransformFailed, "bad", nil)
	assert.Same(t, original, AsPreviewError(original, KindRuntime))

	converted := AsPreviewError(errors.New("boom"), KindRuntime)
	require.NotNil(t, converted)
	assert.Equal(t, KindRuntime, converted.Kind)
	assert.True(t, converted.Retryable)
	assert.True(t, IsRetryable(converted))
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.warns = append(l.warns, msg)
}

func TestHandler_Handle(t *testing.T) {
	logger := &recordingLogger{}
	handler := NewHandler(logger)
	ctx := context.Background()

	handler.Handle(ctx, nil)
	handler.Handle(ctx, NewCompileError(ErrCodeTransformFailed, "bad", nil))
	handler.Handle(ctx, NewRuntimeError("boom", nil))
	handler.Handle(ctx, NewInitializationError(ErrCodeInitTimeout, "slow", nil))
	handler.Handle(ctx, errors.New("plain"))

	assert.Equal(t, []string{"Preview error", "Sandbox runtime error"}, logger.warns)
	assert.Equal(t, []string{"Error occurred", "Unhandled error occurred"}, logger.errors)
}

func TestPreviewError_MarshalJSONCarriesCause(t *testing.T) {
	err := NewCompileError(ErrCodeBundleFailed, "bundle error", fmt.Errorf("main.tsx:1:30: ERROR: Unexpected \"}\""))

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	assert.JSONEq(t, `{
		"kind": "compile",
		"code": "ERR_BUNDLE_FAILED",
		"message": "bundle error",
		"detail": "main.tsx:1:30: ERROR: Unexpected \"}\"",
		"retryable": false
	}`, string(data))

	var decoded PreviewError
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindCompile, decoded.Kind)
	assert.Nil(t, decoded.Cause)
}
