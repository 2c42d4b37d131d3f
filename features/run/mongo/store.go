// Package mongo implements run.Store and checkpoint.Store over the Mongo
// client in clients/mongo.
package mongo

import (
	"context"
	"errors"

	mongoc "goa.design/maestro/features/run/mongo/clients/mongo"
	"goa.design/maestro/runtime/agent/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert stores the run record keyed by its run ID.
func (s *Store) Upsert(ctx context.Context, record run.Record) error {
	return s.client.UpsertRun(ctx, record)
}

// Load retrieves one run record.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// List returns records matching the filter, most recent first.
func (s *Store) List(ctx context.Context, filter run.Filter) ([]run.Record, error) {
	return s.client.ListRuns(ctx, filter)
}

// AppendEvent appends a progress event, assigning its sequence number.
func (s *Store) AppendEvent(ctx context.Context, runID string, event run.Event) error {
	return s.client.AppendRunEvent(ctx, runID, event)
}

// CheckpointStore implements checkpoint.Store over the same client.
type CheckpointStore struct {
	client mongoc.Client
}

// NewCheckpointStore builds a CheckpointStore using the provided client.
func NewCheckpointStore(client mongoc.Client) (*CheckpointStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &CheckpointStore{client: client}, nil
}

// Save stores one snapshot keyed by (runID, checkpointID).
func (c *CheckpointStore) Save(ctx context.Context, runID, checkpointID string, snapshot []byte) error {
	return c.client.SaveCheckpoint(ctx, runID, checkpointID, snapshot)
}

// Load retrieves one snapshot or checkpoint.ErrNotFound.
func (c *CheckpointStore) Load(ctx context.Context, runID, checkpointID string) ([]byte, error) {
	return c.client.LoadCheckpoint(ctx, runID, checkpointID)
}
