package watcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/logging"
)

// DefaultFileDebounce is the delay between the last write to a source file
// and the resulting edit.
const DefaultFileDebounce = 100 * time.Millisecond

// SourceFile exposes a file on disk as an editor. External writes become
// edits; SetContent writes programmatic updates back without echoing them.
type SourceFile struct {
	path    string
	watcher *FileWatcher
	logger  logging.Logger

	mu   sync.Mutex
	last string
}

// NewSourceFile prepares path for editing. The file need not exist yet.
func NewSourceFile(path string, debounce time.Duration, logger logging.Logger) (*SourceFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving source file: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultFileDebounce
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	fw, err := NewFileWatcher(debounce, logger)
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	fw.AddFilter(PathFilter(abs))

	return &SourceFile{
		path:    abs,
		watcher: fw,
		logger:  logger.WithComponent("source_file"),
	}, nil
}

// Path returns the absolute file path.
func (f *SourceFile) Path() string {
	return f.path
}

// Load reads the file. A missing file reads as empty.
func (f *SourceFile) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading source file: %w", err)
	}

	f.mu.Lock()
	f.last = string(data)
	f.mu.Unlock()
	return string(data), nil
}

// SetContent writes source to the file.
func (f *SourceFile) SetContent(source string) error {
	f.mu.Lock()
	if f.last == source {
		f.mu.Unlock()
		return nil
	}
	f.last = source
	f.mu.Unlock()

	if err := os.WriteFile(f.path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("writing source file: %w", err)
	}
	return nil
}

// Watch calls onEdit with the file content after each external change.
// The parent directory is watched so editors that replace the file by
// rename are followed.
func (f *SourceFile) Watch(ctx context.Context, onEdit func(string)) error {
	f.watcher.AddHandler(func(events []ChangeEvent) error {
		for _, e := range events {
			if e.Type == EventTypeDeleted || e.Type == EventTypeRenamed {
				// a replace-by-rename is followed by a create
				continue
			}
			data, err := os.ReadFile(f.path)
			if err != nil {
				return fmt.Errorf("reading source file: %w", err)
			}
			content := string(data)

			f.mu.Lock()
			unchanged := content == f.last
			f.last = content
			f.mu.Unlock()

			if !unchanged {
				f.logger.Debug(ctx, "Source file changed", "path", f.path, "bytes", len(content))
				onEdit(content)
			}
		}
		return nil
	})

	if err := f.watcher.AddPath(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching source file: %w", err)
	}
	return f.watcher.Start(ctx)
}

// Close stops watching.
func (f *SourceFile) Close() error {
	return f.watcher.Stop()
}
