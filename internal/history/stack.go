// Package history implements linear undo/redo over source buffer values.
package history

import "sync"

// Stack is a sequence of snapshots with a cursor. The cursor always indexes
// a valid snapshot once the first value is pushed.
type Stack struct {
	mu      sync.Mutex
	entries []string
	cursor  int
	limit   int
}

// New creates a stack seeded with initial. A positive limit bounds the
// number of retained snapshots; the oldest are dropped first.
func New(initial string, limit int) *Stack {
	return &Stack{
		entries: []string{initial},
		limit:   limit,
	}
}

// Push records value as the newest snapshot, discarding any redoable
// entries. It returns false when value equals the snapshot at the cursor.
func (s *Stack) Push(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[s.cursor] == value {
		return false
	}

	s.entries = append(s.entries[:s.cursor+1], value)
	s.cursor = len(s.entries) - 1

	if s.limit > 0 && len(s.entries) > s.limit {
		drop := len(s.entries) - s.limit
		s.entries = append([]string(nil), s.entries[drop:]...)
		s.cursor -= drop
	}
	return true
}

// Undo moves the cursor back and returns the snapshot there.
func (s *Stack) Undo() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor == 0 {
		return s.entries[s.cursor], false
	}
	s.cursor--
	return s.entries[s.cursor], true
}

// Redo moves the cursor forward and returns the snapshot there.
func (s *Stack) Redo() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor >= len(s.entries)-1 {
		return s.entries[s.cursor], false
	}
	s.cursor++
	return s.entries[s.cursor], true
}

// Current returns the snapshot at the cursor.
func (s *Stack) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[s.cursor]
}

// Len returns the number of snapshots.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cursor returns the cursor index.
func (s *Stack) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// CanUndo reports whether Undo would move the cursor.
func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor > 0
}

// CanRedo reports whether Redo would move the cursor.
func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor < len(s.entries)-1
}
