// Package storage provides the small key/value persistence layer the sync
// engine keeps its queue, state snapshot, and payment flags in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Fixed keys. Each persisted surface owns exactly one key so they never collide
// with unrelated application data stored alongside them.
const (
	KeySyncQueue         = "sync_queue"
	KeySyncState         = "sync_state"
	KeyPaymentLastEvent  = "payment_last_event"
	KeyPaymentRefresh    = "payment_refresh_needed"
	KeyReceiptSettingsNS = "receipt_settings" // suffixed with ":" + school id
)

var (
	// ErrNotFound is returned by Get when the key has never been set or was deleted.
	ErrNotFound = errors.New("storage: key not found")
	// ErrCorrupt is returned by Get when a stored value exists but cannot be decoded.
	ErrCorrupt = errors.New("storage: corrupt value")
	// ErrInvalidKey is returned for keys that cannot be mapped onto the backend.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// KV is a byte-oriented key/value store. Set replaces the whole value atomically
// from the point of view of other readers in the same process.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Watcher is implemented by stores that can report writes made by other processes.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

func validateKey(key string) error {
	if key == "" || key[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == ':':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// MemoryKV is a process-local KV used by tests and the memory store driver.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
