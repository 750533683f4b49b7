package auth

import (
	"context"
	"sync"
)

// Store persists one credential
type Store interface {
	// Load returns the stored credential, or nil when there is none
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
	Clear(ctx context.Context) error
}

// Watcher is a Store that reports credentials written by other processes.
// The channel is closed once ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan *Credential, error)
}

// MemoryStore keeps the credential for the lifetime of the process
type MemoryStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Save(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred == nil {
		s.cred = nil
		return nil
	}
	c := *cred
	s.cred = &c
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
