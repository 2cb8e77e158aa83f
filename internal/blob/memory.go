package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryAdapter keeps payloads in a map. Tests and throwaway setups.
type MemoryAdapter struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{blobs: map[string][]byte{}}
}

func (a *MemoryAdapter) Store(ctx context.Context, id string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blobs[id]; ok {
		return fmt.Errorf("blob %s: %w", id, ErrExists)
	}
	a.blobs[id] = append([]byte(nil), raw...)
	return nil
}

func (a *MemoryAdapter) Retrieve(ctx context.Context, id string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.blobs[id]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blobs[id]; !ok {
		return false, nil
	}
	delete(a.blobs, id)
	return true, nil
}

func (a *MemoryAdapter) Exist(ctx context.Context, id string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.blobs[id]
	return ok, nil
}
