// Package workspace holds the source buffer shared by editors and the
// preview. Every buffer value change is recorded in the edit history and
// forwarded to the preview controller.
package workspace

import (
	"context"
	"sync"

	"github.com/conneroisu/previewd/internal/history"
	"github.com/conneroisu/previewd/internal/logging"
)

// SampleComponent is loaded when no initial source is supplied.
const SampleComponent = `import React, { useState } from "react";

function Component() {
  const [count, setCount] = useState(0);

  return (
    <div className="p-6 max-w-sm mx-auto bg-white rounded-xl shadow-md space-y-4">
      <h1 className="text-xl font-semibold text-gray-900">Hello from the preview</h1>
      <p className="text-gray-500">Edit the source to see changes.</p>
      <button
        className="px-4 py-2 bg-blue-600 text-white rounded"
        onClick={() => setCount(count + 1)}
      >
        Clicked {count} times
      </button>
    </div>
  );
}

export default Component;
`

// EditorSink receives programmatic buffer updates.
type EditorSink interface {
	SetContent(source string) error
}

// Previewer is the consumer of buffer values.
type Previewer interface {
	SetSource(src string)
}

// Options configure a Workspace.
type Options struct {
	// Initial is the starting buffer. Empty selects SampleComponent unless
	// KeepEmpty is set.
	Initial      string
	KeepEmpty    bool
	HistoryLimit int
	Logger       logging.Logger
}

// Workspace couples the source buffer with its edit history.
type Workspace struct {
	preview Previewer
	logger  logging.Logger

	mu      sync.Mutex
	source  string
	history *history.Stack
	editors map[int]EditorSink
	nextID  int
}

// New creates a workspace and hands the initial buffer to preview.
func New(preview Previewer, opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	initial := opts.Initial
	if initial == "" && !opts.KeepEmpty {
		initial = SampleComponent
	}

	w := &Workspace{
		preview: preview,
		logger:  opts.Logger.WithComponent("workspace"),
		source:  initial,
		history: history.New(initial, opts.HistoryLimit),
		editors: make(map[int]EditorSink),
	}
	preview.SetSource(initial)
	return w
}

// Source returns the current buffer.
func (w *Workspace) Source() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.source
}

// Edit applies a change that originated in an editor. It returns false when
// src equals the buffer. Editors are not notified.
func (w *Workspace) Edit(src string) bool {
	return w.apply(src, nil)
}

// Replace applies a programmatic change, such as a new completion, and
// pushes the value to every editor.
func (w *Workspace) Replace(src string) bool {
	return w.apply(src, w.broadcast)
}

func (w *Workspace) apply(src string, after func(string)) bool {
	w.mu.Lock()
	if src == w.source {
		w.mu.Unlock()
		return false
	}
	w.source = src
	w.history.Push(src)
	w.mu.Unlock()

	w.preview.SetSource(src)
	if after != nil {
		after(src)
	}
	return true
}

// Undo restores the previous buffer value.
func (w *Workspace) Undo() (string, bool) {
	return w.move(w.history.Undo)
}

// Redo restores the buffer value undone last.
func (w *Workspace) Redo() (string, bool) {
	return w.move(w.history.Redo)
}

func (w *Workspace) move(step func() (string, bool)) (string, bool) {
	w.mu.Lock()
	value, ok := step()
	if !ok {
		w.mu.Unlock()
		return value, false
	}
	w.source = value
	w.mu.Unlock()

	w.preview.SetSource(value)
	w.broadcast(value)
	return value, true
}

// CanUndo reports whether Undo would change the buffer.
func (w *Workspace) CanUndo() bool { return w.history.CanUndo() }

// CanRedo reports whether Redo would change the buffer.
func (w *Workspace) CanRedo() bool { return w.history.CanRedo() }

// AddEditor registers sink for programmatic updates and returns a function
// that removes it.
func (w *Workspace) AddEditor(sink EditorSink) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.editors[id] = sink
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.editors, id)
		w.mu.Unlock()
	}
}

func (w *Workspace) broadcast(src string) {
	w.mu.Lock()
	sinks := make([]EditorSink, 0, len(w.editors))
	for i := 0; i < w.nextID; i++ {
		if s, ok := w.editors[i]; ok {
			sinks = append(sinks, s)
		}
	}
	w.mu.Unlock()

	for _, s := range sinks {
		if err := s.SetContent(src); err != nil {
			w.logger.Warn(context.Background(), err, "Failed to update editor")
		}
	}
}
