package namespace

import (
	"context"
	"sync"
)

// MemoryStore keeps namespaces in process memory. It is only shared between
// goroutines of one process and is meant for single-worker runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	spaces map[string]*memorySpace
}

type memorySpace struct {
	sem  chan struct{}
	data Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[string]*memorySpace)}
}

func (s *MemoryStore) Initialize(_ context.Context, namespace string, defaults Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[namespace]; ok {
		return nil
	}
	s.spaces[namespace] = &memorySpace{
		sem:  make(chan struct{}, 1),
		data: cloneRecord(defaults),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, namespace string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	space, ok := s.spaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(space.data), nil
}

func (s *MemoryStore) Lock(ctx context.Context, namespace string) (*Guard, error) {
	s.mu.Lock()
	space, ok := s.spaces[namespace]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case space.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	snapshot := cloneRecord(space.data)
	s.mu.Unlock()

	release := func() { <-space.sem }
	commit := func(r Record) error {
		s.mu.Lock()
		space.data = cloneRecord(r)
		s.mu.Unlock()
		release()
		return nil
	}
	abort := func() error {
		release()
		return nil
	}
	return newGuard(namespace, snapshot, commit, abort), nil
}

func (s *MemoryStore) Close() error { return nil }
