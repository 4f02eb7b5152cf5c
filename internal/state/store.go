// Package state implements the two durability primitives every queue and
// savepoint in demobot is built on: an atomic-rename JSON value store
// (component A of spec.md) and a throttled monotonic savepoint (component
// B). Grounded on discord_downloader/persistent_state.py; adapted to Go's
// explicit error returns and fsync-then-rename idiom.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store holds an arbitrary JSON-serializable value backed by a single file,
// written via the write-tmp-fsync-rename sequence that is the sole
// durability primitive the pipeline relies on (spec.md §4.A). There is no
// in-memory locking: callers are expected to mutate Value from a single
// goroutine at a time, the same "single-writer" assumption the original
// made about its single-threaded event loop.
type Store[T any] struct {
	path  string
	Value T
}

// Open loads path as JSON into a new Store. If the file does not exist, def
// is installed as the starting value (mirrors StoredState.__init__'s
// FileNotFoundError handling).
func Open[T any](path string, def T) (*Store[T], error) {
	s := &Store[T]{path: path, Value: def}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}
	s.Value = v
	return s, nil
}

// Flush atomically persists the current Value: write path.tmp, fsync, then
// rename over path. A crash at any point before the rename leaves the prior
// durable state untouched.
func (s *Store[T]) Flush() error {
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state: mkdir for %s: %w", s.path, err)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("state: create %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(s.Value); err != nil {
		f.Close()
		return fmt.Errorf("state: encode %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename %s to %s: %w", tmp, s.path, err)
	}
	return nil
}

// Close forces a final flush, matching StoredState.close().
func (s *Store[T]) Close() error {
	return s.Flush()
}
