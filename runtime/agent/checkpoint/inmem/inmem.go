// Package inmem provides an in-memory checkpoint.Store for tests and local
// development.
package inmem

import (
	"context"
	"sync"

	"goa.design/maestro/runtime/agent/checkpoint"
)

type key struct {
	runID        string
	checkpointID string
}

// Store implements checkpoint.Store in memory. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	snapshots map[key][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{snapshots: make(map[key][]byte)}
}

// Save stores a copy of the snapshot.
func (s *Store) Save(_ context.Context, runID, checkpointID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key{runID, checkpointID}] = append([]byte(nil), snapshot...)
	return nil
}

// Load retrieves a copy of the snapshot or checkpoint.ErrNotFound.
func (s *Store) Load(_ context.Context, runID, checkpointID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[key{runID, checkpointID}]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return append([]byte(nil), snapshot...), nil
}
