// Package checkpoint defines the snapshot store used to persist and resume
// run state. Snapshots are opaque to the store: the engine owns the encoding
// and only asks for save and load by (run_id, checkpoint_id).
package checkpoint

import (
	"context"
	"errors"
)

// Store persists run-state snapshots.
type Store interface {
	// Save stores the snapshot keyed by (runID, checkpointID), replacing any
	// previous snapshot under the same key.
	Save(ctx context.Context, runID, checkpointID string, snapshot []byte) error
	// Load retrieves a snapshot or ErrNotFound.
	Load(ctx context.Context, runID, checkpointID string) ([]byte, error)
}

// ErrNotFound signals an unknown (run_id, checkpoint_id) pair.
var ErrNotFound = errors.New("checkpoint: not found")
