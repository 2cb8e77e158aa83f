package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aeternitas/internal/guard"
	"aeternitas/internal/pollable"
)

// Memory is an in-process Store. It mirrors the sqlite driver's
// semantics (CAS transitions, unique constraints, transactional source
// creation) without durability; tests and embedded single-process use.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	metas   map[int64]*pollable.MetaData
	byRef   map[pollable.Ref]int64
	sources map[string]Source

	kv *guard.MemoryKV
}

func NewMemory() *Memory {
	return &Memory{
		metas:   map[int64]*pollable.MetaData{},
		byRef:   map[pollable.Ref]int64{},
		sources: map[string]Source{},
		kv:      guard.NewMemoryKV(),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) GuardKV() guard.KV { return s.kv }

func (s *Memory) EnsureMeta(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRef[ref]; ok {
		return cloneMeta(s.metas[id]), nil
	}
	s.nextID++
	m := &pollable.MetaData{
		ID:          s.nextID,
		Ref:         ref,
		State:       pollable.StateWaiting,
		NextPolling: time.UnixMilli(0),
	}
	s.metas[m.ID] = m
	s.byRef[ref] = m.ID
	return cloneMeta(m), nil
}

func (s *Memory) Meta(ctx context.Context, id int64) (*pollable.MetaData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMeta(m), nil
}

func (s *Memory) MetaByRef(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMeta(s.metas[id]), nil
}

func (s *Memory) Due(ctx context.Context, now time.Time, limit int) ([]pollable.MetaData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pollable.MetaData
	for _, m := range s.metas {
		if m.Due(now) {
			out = append(out, *cloneMeta(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPolling.Before(out[j].NextPolling) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) InState(ctx context.Context, state pollable.State, limit int) ([]pollable.MetaData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pollable.MetaData
	for _, m := range s.metas {
		if m.State == state {
			out = append(out, *cloneMeta(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPolling.Before(out[j].NextPolling) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Apply(ctx context.Context, id int64, ev pollable.Event) error {
	target, err := ev.Target()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[id]
	if !ok {
		return ErrNotFound
	}
	if !pollable.CanTransition(m.State, ev) {
		return fmt.Errorf("meta %d: event %s: %w", id, ev, pollable.ErrInvalidTransition)
	}
	m.State = target
	return nil
}

func (s *Memory) CompletePoll(ctx context.Context, id int64, last, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[id]
	if !ok {
		return ErrNotFound
	}
	if m.State != pollable.StateActive {
		return fmt.Errorf("meta %d: complete poll: %w", id, pollable.ErrInvalidTransition)
	}
	l := last
	m.LastPolling = &l
	m.NextPolling = next
	m.State = pollable.StateWaiting
	return nil
}

func (s *Memory) Deactivate(ctx context.Context, id int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[id]
	if !ok {
		return ErrNotFound
	}
	if m.State == pollable.StateDeactivated {
		return nil
	}
	m.State = pollable.StateDeactivated
	m.DeactivationReason = reason
	t := at
	m.DeactivatedAt = &t
	return nil
}

func (s *Memory) CreateSource(ctx context.Context, src Source, write func(ctx context.Context) error) error {
	s.mu.Lock()
	if _, dup := s.sources[src.Fingerprint]; dup {
		s.mu.Unlock()
		return ErrSourceExists
	}
	s.mu.Unlock()

	// Run the bound write first; the row is "committed" only if it
	// succeeds, mirroring the sqlite transaction boundary.
	if write != nil {
		if err := write(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sources[src.Fingerprint]; dup {
		return ErrSourceExists
	}
	s.sources[src.Fingerprint] = src
	return nil
}

func (s *Memory) SourceExists(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[fingerprint]
	return ok, nil
}

func (s *Memory) SourceByFingerprint(ctx context.Context, fingerprint string) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return &src, nil
}

func (s *Memory) DeleteSource(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[fingerprint]; !ok {
		return false, nil
	}
	delete(s.sources, fingerprint)
	return true, nil
}

func (s *Memory) SourcesByRef(ctx context.Context, ref pollable.Ref) ([]Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Source
	for _, src := range s.sources {
		if src.Ref == ref {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneMeta(m *pollable.MetaData) *pollable.MetaData {
	cp := *m
	if m.LastPolling != nil {
		t := *m.LastPolling
		cp.LastPolling = &t
	}
	if m.DeactivatedAt != nil {
		t := *m.DeactivatedAt
		cp.DeactivatedAt = &t
	}
	return &cp
}
