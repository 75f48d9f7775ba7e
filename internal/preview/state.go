// Package preview drives the edit-compile-display cycle for one source
// buffer: it debounces edits, compiles through the shared compiler session
// and displays the result either in a sandbox instance or inline.
package preview

import (
	"time"

	"github.com/conneroisu/previewd/internal/errors"
)

// Phase is the display state of the preview.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseFailed       Phase = "failed"
	PhaseIdle         Phase = "idle"
	PhaseLoading      Phase = "loading"
	PhaseRendered     Phase = "rendered"
	PhaseCompileError Phase = "compile_error"
	PhaseRuntimeError Phase = "runtime_error"
)

// Mode selects how compiled output is displayed.
type Mode string

const (
	// ModeSandbox bundles the source and mounts it in an isolated document.
	ModeSandbox Mode = "sandbox"
	// ModeInline transforms the source and renders it to markup on the host.
	ModeInline Mode = "inline"
)

// ParseMode returns the mode named s.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeSandbox, ModeInline:
		return Mode(s), true
	}
	return "", false
}

// State is an immutable snapshot published to subscribers.
type State struct {
	Phase       Phase                `json:"phase" yaml:"phase"`
	Mode        Mode                 `json:"mode" yaml:"mode"`
	Output      string               `json:"output,omitempty" yaml:"output,omitempty"`
	InstanceKey string               `json:"instance,omitempty" yaml:"instance,omitempty"`
	Error       *errors.PreviewError `json:"error,omitempty" yaml:"error,omitempty"`
	Banner      *errors.PreviewError `json:"banner,omitempty" yaml:"banner,omitempty"`
	Version     uint64               `json:"version" yaml:"version"`
	UpdatedAt   time.Time            `json:"updated_at" yaml:"updated_at"`
}

// Retryable reports whether a retry action should be offered. Every error
// phase offers one; Error.Retryable only classifies the failure.
func (s State) Retryable() bool {
	switch s.Phase {
	case PhaseFailed, PhaseCompileError, PhaseRuntimeError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected without a new
// edit or an explicit action.
func (s State) Terminal() bool {
	switch s.Phase {
	case PhaseInitializing, PhaseLoading:
		return false
	}
	return true
}
