package guard

import (
	"context"
	"sync"
	"time"
)

// KV is the shared key-value store the lock lives in. It must support
// atomic set-if-absent with TTL, plain get, and overwrite-with-TTL.
// Expired keys behave as absent.
type KV interface {
	// SetNX stores val under key with the given TTL only if the key is
	// absent. It reports whether the write happened.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Get returns the value under key, with ok=false when absent.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Set unconditionally stores val under key with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// MemoryKV is an in-process KV with TTL semantics. It serves tests and
// single-process deployments; multi-process deployments use a shared
// store (see the storage package's sqlite driver).
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	val   []byte
	until time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]memItem{}}
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && it.until.After(now) {
		return false, nil
	}
	m.items[key] = memItem{val: append([]byte(nil), val...), until: now.Add(ttl)}
	return true, nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !it.until.After(now) {
		delete(m.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), it.val...), true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{val: append([]byte(nil), val...), until: time.Now().Add(ttl)}
	return nil
}
