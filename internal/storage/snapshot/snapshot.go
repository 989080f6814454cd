// Package snapshot persists whole-document JSON snapshots and append-only
// line logs. Every reliability store keeps its state in memory and writes a
// full snapshot here after each mutation.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Store is implemented by the file, sqlite and memory backends.
type Store interface {
	// Load decodes the named snapshot into v. found is false when nothing
	// has been saved under name yet.
	Load(name string, v any) (found bool, err error)
	// Save replaces the named snapshot with v.
	Save(name string, v any) error
	// Append adds one line to the named log.
	Append(name string, line []byte) error
	// Lines returns up to limit of the most recent lines of the named log,
	// oldest first. limit <= 0 returns every line.
	Lines(name string, limit int) ([][]byte, error)
	Close() error
}

// ErrCorrupted is returned when a stored snapshot cannot be decoded.
var ErrCorrupted = errors.New("snapshot is corrupted")

// Open builds the backend named by backend ("file", "sqlite" or "memory").
func Open(backend, dir, sqlitePath string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(dir)
	case "sqlite":
		return NewSQLiteStore(sqlitePath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
}

func tail(lines [][]byte, limit int) [][]byte {
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// MemoryStore keeps snapshots in process memory. It is used in tests and
// when persistence is disabled.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	logs      map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		logs:      make(map[string][][]byte),
	}
}

func (s *MemoryStore) Load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.snapshots[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return true, nil
}

func (s *MemoryStore) Save(name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[name] = body
	return nil
}

func (s *MemoryStore) Append(name string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[name] = append(s.logs[name], append([]byte(nil), line...))
	return nil
}

func (s *MemoryStore) Lines(name string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(append([][]byte(nil), s.logs[name]...), limit), nil
}

// Raw returns the stored bytes of a snapshot, for inspection in tests.
func (s *MemoryStore) Raw(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[name]
}

func (s *MemoryStore) Close() error {
	return nil
}
