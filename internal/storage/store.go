package storage

import (
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Store is the persistence boundary for workspace state.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. The second result is false when the
	// key does not exist.
	Get(key string) ([]byte, bool, error)

	// Set writes the value for key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys matching the glob pattern.
	Keys(pattern string) ([]string, error)
}

// Well-known keys for the workspace records.
const (
	SessionListKey   = "workspace.sessions"
	ActiveSessionKey = "workspace.active"
	SidebarKey       = "workspace.sidebar"
)

// SnapshotKey returns the namespaced snapshot key for a session.
func SnapshotKey(sessionID string) string {
	return fmt.Sprintf("session.%s.snapshot", sessionID)
}

// SnapshotPattern matches every per-session snapshot key.
const SnapshotPattern = "session.*.snapshot"

// Memory is an in-memory Store for tests and ephemeral runs.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
	}
}

// Get returns the stored value for key.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}

	// Return a copy to prevent external modifications
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = stored
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns all keys matching pattern.
func (m *Memory) Keys(pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.values {
		ok, err := doublestar.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
