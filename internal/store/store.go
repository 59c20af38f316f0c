// Package store persists the last session id per conversation context, so a
// restarted client can resume where it left off.
package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Store keeps one session id per context key.
type Store interface {
	// Load returns the persisted id. ok is false when none exists.
	Load(ctx context.Context, key string) (id string, ok bool, err error)
	Save(ctx context.Context, key, id string) error
	// Clear removes the persisted id. Clearing a missing entry succeeds.
	Clear(ctx context.Context, key string) error
	Close() error
}

// Kind selects a Store implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Open returns the store for kind rooted at home.
func Open(kind Kind, home string) (Store, error) {
	switch kind {
	case "", KindFile:
		return NewFileStore(home)
	case KindSQLite:
		return OpenSQLite(sqlitePath(home))
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("missing context key")
	}
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	key = strings.ReplaceAll(key, "..", "_")
	return key, nil
}

// MemoryStore keeps ids in memory. Tests and ephemeral clients use it.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[key]
	return id, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[key] = id
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, key)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
