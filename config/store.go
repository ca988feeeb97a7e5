package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ChangeHandler is invoked after a snapshot swap with the old and new
// settings and the JSON names of the keys that differ.
type ChangeHandler func(old, next Settings, changed []string)

// Store holds the live Settings snapshot behind an atomic pointer. Reads are
// lock-free; swaps go through Replace so change handlers fire exactly once
// per distinct snapshot.
type Store struct {
	current atomic.Pointer[Settings]
	path    string

	mu       sync.Mutex
	handlers []ChangeHandler
}

func NewStore(initial Settings, path string) *Store {
	st := &Store{path: path}
	st.current.Store(&initial)
	return st
}

// Get returns the current snapshot. The returned value is a copy; callers
// may hold it for the duration of one unit of work without tearing.
func (s *Store) Get() Settings {
	return *s.current.Load()
}

// Path returns the settings file backing this store.
func (s *Store) Path() string {
	return s.path
}

// OnChange registers a handler. Handlers run on the goroutine that called
// Replace and must not call Replace themselves.
func (s *Store) OnChange(fn ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Replace swaps in a new snapshot and notifies handlers. Returns the changed
// keys, nil when the snapshot is identical to the current one.
func (s *Store) Replace(next Settings) []string {
	s.mu.Lock()
	old := *s.current.Load()
	changed := ChangedKeys(old, next)
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.current.Store(&next)
	handlers := append([]ChangeHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(old, next, changed)
	}
	return changed
}

// Save validates the snapshot and writes it to the settings file. The live
// snapshot is not swapped here: the file watcher picks the write up, which
// keeps one reload path for API edits and manual edits alike.
func (s *Store) Save(next Settings) error {
	if problems := next.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return SaveSettings(s.path, next)
}
