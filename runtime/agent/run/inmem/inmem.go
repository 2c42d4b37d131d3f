// Package inmem provides an in-memory run.Store for tests and local
// development. Records are held in a mutex-guarded map with no persistence
// across restarts; production deployments use features/run/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/maestro/runtime/agent/run"
	"goa.design/maestro/runtime/agent/tools"
)

// Store implements run.Store in memory. Safe for concurrent use; records are
// defensively copied on read and write.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert stores the record keyed by RunID, preserving existing events when
// the incoming record carries none.
func (s *Store) Upsert(_ context.Context, record run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.RunID]; ok && len(record.Events) == 0 {
		record.Events = existing.Events
	}
	s.records[record.RunID] = clone(record)
	return nil
}

// Load retrieves a record or run.ErrNotFound.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return clone(record), nil
}

// List returns matching records, most recently started first.
func (s *Store) List(_ context.Context, filter run.Filter) ([]run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Record
	for _, record := range s.records {
		if filter.Matches(record) {
			out = append(out, clone(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendEvent appends a progress event, assigning the next sequence number.
func (s *Store) AppendEvent(_ context.Context, runID string, event run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[runID]
	if !ok {
		return run.ErrNotFound
	}
	event.Seq = len(record.Events) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	record.Events = append(record.Events, event)
	s.records[runID] = record
	return nil
}

func clone(record run.Record) run.Record {
	copied := record
	if record.Context != nil {
		copied.Context = make(map[string]any, len(record.Context))
		for k, v := range record.Context {
			copied.Context[k] = v
		}
	}
	if record.Variables != nil {
		copied.Variables = make(map[string]any, len(record.Variables))
		for k, v := range record.Variables {
			copied.Variables[k] = v
		}
	}
	copied.ToolCalls = append([]tools.Call(nil), record.ToolCalls...)
	copied.Events = append([]run.Event(nil), record.Events...)
	return copied
}
