package workspace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPreview struct {
	mu      sync.Mutex
	sources []string
}

func (p *recordingPreview) SetSource(src string) {
	p.mu.Lock()
	p.sources = append(p.sources, src)
	p.mu.Unlock()
}

func (p *recordingPreview) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sources[len(p.sources)-1]
}

type recordingEditor struct {
	contents []string
	err      error
}

func (e *recordingEditor) SetContent(source string) error {
	e.contents = append(e.contents, source)
	return e.err
}

func TestNew_LoadsSample(t *testing.T) {
	preview := &recordingPreview{}
	w := New(preview, Options{})

	assert.Equal(t, SampleComponent, w.Source())
	assert.Equal(t, []string{SampleComponent}, preview.sources)
	assert.False(t, w.CanUndo())
}

func TestNew_KeepEmpty(t *testing.T) {
	preview := &recordingPreview{}
	w := New(preview, Options{KeepEmpty: true})

	assert.Empty(t, w.Source())
	assert.Equal(t, []string{""}, preview.sources)
}

func TestWorkspace_EditDoesNotEchoToEditors(t *testing.T) {
	preview := &recordingPreview{}
	editor := &recordingEditor{}
	w := New(preview, Options{Initial: "a"})
	w.AddEditor(editor)

	require.True(t, w.Edit("b"))
	assert.False(t, w.Edit("b"), "equal values are no-ops")

	assert.Equal(t, "b", w.Source())
	assert.Equal(t, []string{"a", "b"}, preview.sources)
	assert.Empty(t, editor.contents)
}

func TestWorkspace_ReplacePushesToEditors(t *testing.T) {
	preview := &recordingPreview{}
	editor := &recordingEditor{}
	failing := &recordingEditor{err: fmt.Errorf("closed")}
	w := New(preview, Options{Initial: "a"})
	w.AddEditor(editor)
	remove := w.AddEditor(failing)

	require.True(t, w.Replace("generated"))
	assert.Equal(t, []string{"generated"}, editor.contents)
	assert.Equal(t, []string{"generated"}, failing.contents)

	remove()
	// the editor echoing the same value back through Edit changes nothing
	assert.False(t, w.Edit("generated"))
	require.True(t, w.Replace("again"))
	assert.Equal(t, []string{"generated", "again"}, editor.contents)
	assert.Len(t, failing.contents, 1)
	assert.Equal(t, "again", preview.last())
}

func TestWorkspace_UndoRedo(t *testing.T) {
	preview := &recordingPreview{}
	editor := &recordingEditor{}
	w := New(preview, Options{Initial: "a"})
	w.AddEditor(editor)

	w.Edit("b")
	w.Edit("c")

	value, ok := w.Undo()
	require.True(t, ok)
	assert.Equal(t, "b", value)
	assert.Equal(t, "b", w.Source())
	assert.Equal(t, "b", preview.last())
	assert.Equal(t, []string{"b"}, editor.contents)

	value, ok = w.Redo()
	require.True(t, ok)
	assert.Equal(t, "c", value)
	assert.Equal(t, "c", preview.last())

	_, ok = w.Redo()
	assert.False(t, ok)

	w.Undo()
	w.Undo()
	_, ok = w.Undo()
	assert.False(t, ok)
	assert.Equal(t, "a", w.Source())
}

func TestWorkspace_EditAfterUndoDropsRedo(t *testing.T) {
	w := New(&recordingPreview{}, Options{Initial: "a"})
	w.Edit("b")
	w.Undo()

	require.True(t, w.Edit("x"))
	assert.False(t, w.CanRedo())

	value, _ := w.Undo()
	assert.Equal(t, "a", value)
}

func TestWorkspace_HistoryLimit(t *testing.T) {
	w := New(&recordingPreview{}, Options{Initial: "a", HistoryLimit: 2})
	w.Edit("b")
	w.Edit("c")

	value, ok := w.Undo()
	require.True(t, ok)
	assert.Equal(t, "b", value)
	assert.False(t, w.CanUndo())
}
