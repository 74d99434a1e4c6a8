// Package storage holds the durable client-side stores used for the
// credential pair.
package storage

import (
	"context"
	"sync"

	"github.com/beaconhq/go-client-sdk/api"
)

// MemoryStore keeps the credential pair for the lifetime of the process only.
type MemoryStore struct {
	mu   sync.RWMutex
	pair api.CredentialPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (api.CredentialPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryStore) Save(_ context.Context, pair api.CredentialPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair = api.CredentialPair{}
	s.mu.Unlock()
	return nil
}
