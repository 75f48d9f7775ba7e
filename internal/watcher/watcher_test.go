package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	clk := clock.NewMock()
	d := NewDebouncer(100*time.Millisecond, clk)

	d.Add(ChangeEvent{Type: EventTypeCreated, Path: "a"})
	clk.Add(50 * time.Millisecond)
	d.Add(ChangeEvent{Type: EventTypeModified, Path: "b"})
	clk.Add(50 * time.Millisecond)
	d.Add(ChangeEvent{Type: EventTypeModified, Path: "a"})

	select {
	case <-d.Output():
		t.Fatal("flushed before the burst settled")
	default:
	}

	clk.Add(100 * time.Millisecond)

	var batch []ChangeEvent
	require.Eventually(t, func() bool {
		select {
		case batch = <-d.Output():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []ChangeEvent{
		{Type: EventTypeModified, Path: "a"},
		{Type: EventTypeModified, Path: "b"},
	}, batch)
}

func TestPathFilter(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "component.tsx")
	filter := PathFilter(target)

	assert.True(t, filter(target))
	assert.True(t, filter(filepath.Join(dir, ".", "component.tsx")))
	assert.False(t, filter(filepath.Join(dir, "component.tsx.swp")))
	assert.False(t, filter(filepath.Join(dir, "other.tsx")))
}

func TestFileWatcher_DeliversFilteredChanges(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "watched.tsx")

	fw, err := NewFileWatcher(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	var (
		mu     sync.Mutex
		events []ChangeEvent
	)
	fw.AddFilter(PathFilter(target))
	fw.AddHandler(func(batch []ChangeEvent) error {
		mu.Lock()
		events = append(events, batch...)
		mu.Unlock()
		return nil
	})
	require.NoError(t, fw.AddPath(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.tsx"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("y"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		assert.Equal(t, target, e.Path)
	}
}
