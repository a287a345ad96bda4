package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// errUnchanged lets a mutate callback skip the write.
var errUnchanged = errors.New("unchanged")

// collection is one JSON file holding a list of records. The in-memory copy
// is only replaced after the new contents are durable on disk.
type collection[T any] struct {
	mu    sync.RWMutex
	path  string
	items []T
}

func openCollection[T any](path string) (*collection[T], error) {
	c := &collection[T]{path: path, items: []T{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c.items); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if c.items == nil {
		c.items = []T{}
	}
	return c, nil
}

// mutate runs fn on a copy of the items under the write lock and persists the
// result. If fn or the write fails the collection is left unchanged.
func (c *collection[T]) mutate(fn func(items []T) ([]T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fn(append([]T(nil), c.items...))
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, next); err != nil {
		return err
	}
	c.items = next
	return nil
}

// read runs fn on the items under the read lock. fn must not retain or modify them.
func (c *collection[T]) read(fn func(items []T)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.items)
}

// writeFileAtomic writes v as JSON to a temp file in the same directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// Best-effort: persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
