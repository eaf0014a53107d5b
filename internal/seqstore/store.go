// Package seqstore provides durable storage for FIX session sequence numbers.
// The outbound number is persisted synchronously before the corresponding
// bytes reach the transport, so a crash between persist and send resumes
// at-least-once instead of duplicating or skipping sequence numbers.
package seqstore

import (
	"context"
	"sync"
)

// State holds the next numbers a session will use, not the last used.
type State struct {
	NextOut    uint64
	ExpectedIn uint64
}

// Store is the persistence hook consumed by the session engine. Load returns
// a zero State (no error) for a session that has never persisted.
type Store interface {
	Load(ctx context.Context, sessionID string) (State, error)
	Persist(ctx context.Context, sessionID string, state State) error
}

// MemoryStore keeps sequence state in process memory. It satisfies the Store
// contract for tests and for venues that reset sequence numbers on logon.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[sessionID], nil
}

func (s *MemoryStore) Persist(ctx context.Context, sessionID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = state
	return nil
}
