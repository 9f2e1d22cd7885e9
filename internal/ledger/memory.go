package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for development runs that do not
// require durable persistence across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[int]*Block

	// failNext makes the next n store calls fail; used by tests.
	failNext int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[int]*Block)}
}

// FailNext makes the next n calls on the store return an error.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *MemoryStore) injectedFailure(op string) error {
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("memory store: injected %s failure", op)
	}
	return nil
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll(_ context.Context) ([]*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("load"); err != nil {
		return nil, err
	}
	out := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// FindByIndex implements Store.
func (s *MemoryStore) FindByIndex(_ context.Context, index int) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("find"); err != nil {
		return nil, err
	}
	b, ok := s.blocks[index]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return b.Clone(), nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("insert"); err != nil {
		return err
	}
	if _, ok := s.blocks[b.Index]; ok {
		return fmt.Errorf("block %d already exists", b.Index)
	}
	s.blocks[b.Index] = b.Clone()
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("update"); err != nil {
		return err
	}
	if _, ok := s.blocks[b.Index]; !ok {
		return ErrBlockNotFound
	}
	s.blocks[b.Index] = b.Clone()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored blocks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
