package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store in memory for tests and single-node setups.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

// Stage implements Store.
func (s *MemoryStore) Stage(ctx context.Context, runID, name string, content []byte) (string, error) {
	ref := stagingRef(runID, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	s.objects[ref] = buf
	return ref, nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, ref string) (string, error) {
	dest, err := committedRef(ref)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[ref]
	if !ok {
		return "", fmt.Errorf("staged artifact %s not found", ref)
	}
	s.objects[dest] = content
	delete(s.objects, ref)
	return dest, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", ref)
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	return buf, nil
}
