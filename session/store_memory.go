package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and ephemeral use.
type MemoryStore struct {
	mu   sync.Mutex
	desc *Descriptor
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored descriptor, or (nil, nil) when empty.
func (s *MemoryStore) Load(ctx context.Context) (*Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil {
		return nil, nil
	}
	cp := *s.desc
	return &cp, nil
}

// Save stores a copy of d.
func (s *MemoryStore) Save(ctx context.Context, d *Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.desc = &cp
	return nil
}

// Clear removes the stored descriptor.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = nil
	return nil
}
