// Package errors defines the preview error taxonomy shared by the compiler,
// the sandbox host and the preview controller.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind represents the layer an error originated from.
type Kind string

const (
	// KindInitialization means the compiler engine failed or timed out to start.
	KindInitialization Kind = "initialization"
	// KindCompile means the source has a syntax or structural problem.
	KindCompile Kind = "compile"
	// KindResourceLoad means the sandbox could not load an external runtime or stylesheet.
	KindResourceLoad Kind = "resource_load"
	// KindRuntime means mounting or rendering failed inside the sandbox.
	KindRuntime Kind = "runtime"
	// KindInternal covers host-side failures that fit none of the above.
	KindInternal Kind = "internal"
)

// Common error codes.
const (
	ErrCodeInitTimeout       = "ERR_INIT_TIMEOUT"
	ErrCodeInitFailed        = "ERR_INIT_FAILED"
	ErrCodeNotInitialized    = "ERR_NOT_INITIALIZED"
	ErrCodeMissingEntry      = "ERR_MISSING_ENTRY"
	ErrCodeTransformFailed   = "ERR_TRANSFORM_FAILED"
	ErrCodeBundleFailed      = "ERR_BUNDLE_FAILED"
	ErrCodeResourceLoad      = "ERR_RESOURCE_LOAD"
	ErrCodeRuntime           = "ERR_RUNTIME"
	ErrCodeInternalError     = "ERR_INTERNAL"
	ErrCodeStaleInstance     = "ERR_STALE_INSTANCE"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeSandboxNotMounted = "ERR_SANDBOX_NOT_MOUNTED"
)

// PreviewError is a structured error carrying the taxonomy kind.
type PreviewError struct {
	Kind      Kind                   `json:"kind" yaml:"kind"`
	Code      string                 `json:"code,omitempty" yaml:"code,omitempty"`
	Message   string                 `json:"message" yaml:"message"`
	Cause     error                  `json:"-" yaml:"-"`
	Context   map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	Retryable bool                   `json:"retryable" yaml:"retryable"`
}

// errorView is the serialized form; the cause travels as text in Detail.
type errorView struct {
	Kind      Kind                   `json:"kind" yaml:"kind"`
	Code      string                 `json:"code,omitempty" yaml:"code,omitempty"`
	Message   string                 `json:"message" yaml:"message"`
	Detail    string                 `json:"detail,omitempty" yaml:"detail,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	Retryable bool                   `json:"retryable" yaml:"retryable"`
}

func (e *PreviewError) view() errorView {
	v := errorView{
		Kind:      e.Kind,
		Code:      e.Code,
		Message:   e.Message,
		Context:   e.Context,
		Retryable: e.Retryable,
	}
	if e.Cause != nil {
		v.Detail = e.Cause.Error()
	}
	return v
}

// MarshalJSON includes the cause text as "detail".
func (e *PreviewError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.view())
}

// MarshalYAML includes the cause text as "detail".
func (e *PreviewError) MarshalYAML() (interface{}, error) {
	return e.view(), nil
}

// Error implements the error interface.
func (e *PreviewError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PreviewError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by kind and code.
func (e *PreviewError) Is(target error) bool {
	var t *PreviewError
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PreviewError) WithContext(key string, value interface{}) *PreviewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// NewInitializationError creates a retryable initialization error.
func NewInitializationError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Kind:      KindInitialization,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// NewCompileError creates a compile error. Compile errors are not retryable
// until the source changes.
func NewCompileError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Kind:      KindCompile,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: false,
	}
}

// NewResourceLoadError creates a non-fatal resource load error.
func NewResourceLoadError(message string) *PreviewError {
	return &PreviewError{
		Kind:      KindResourceLoad,
		Code:      ErrCodeResourceLoad,
		Message:   message,
		Retryable: true,
	}
}

// NewRuntimeError creates a runtime error raised while mounting or rendering.
func NewRuntimeError(message string, cause error) *PreviewError {
	return &PreviewError{
		Kind:      KindRuntime,
		Code:      ErrCodeRuntime,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Kind:    KindInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	return KindInternal
}

// IsRetryable checks if an error can be retried without changing the source.
func IsRetryable(err error) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	return false
}

// AsPreviewError converts err into a *PreviewError, wrapping foreign errors
// with the fallback kind.
func AsPreviewError(err error, fallback Kind) *PreviewError {
	if err == nil {
		return nil
	}

	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe
	}

	return &PreviewError{
		Kind:      fallback,
		Code:      ErrCodeInternalError,
		Message:   err.Error(),
		Cause:     err,
		Retryable: fallback == KindRuntime || fallback == KindInitialization,
	}
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// Handler provides centralized error logging by kind.
type Handler struct {
	logger Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle logs err at a level that matches its kind.
func (h *Handler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var pe *PreviewError
	if !errors.As(err, &pe) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch pe.Kind {
	case KindCompile, KindResourceLoad:
		h.logger.Warn(ctx, pe, "Preview error",
			"kind", pe.Kind,
			"code", pe.Code)
	case KindRuntime:
		h.logger.Warn(ctx, pe, "Sandbox runtime error",
			"kind", pe.Kind,
			"code", pe.Code,
			"retryable", pe.Retryable)
	default:
		h.logger.Error(ctx, pe, "Error occurred",
			"kind", pe.Kind,
			"code", pe.Code,
			"retryable", pe.Retryable)
	}
}
