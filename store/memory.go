package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. Expired entries are pruned on Put;
// there is no background goroutine.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]PendingAuthorization
	opts    options
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		entries: make(map[string]PendingAuthorization),
		opts:    o,
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, sessionID string, pending *PendingAuthorization) error {
	if err := validate(sessionID, pending); err != nil {
		return err
	}
	entry := *pending
	now := s.opts.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.expired(now, s.opts.ttl) {
			delete(s.entries, id)
		}
	}
	s.entries[sessionID] = entry
	return nil
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, sessionID string) (*PendingAuthorization, error) {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()

	if !ok || entry.expired(s.opts.now(), s.opts.ttl) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
