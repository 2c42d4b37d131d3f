// Package stream delivers run progress to observers. Updates flow two ways:
// a Sink pushes them to an external transport (Pulse, SSE, a message bus)
// as the run produces them, and an Inspector polls the run store so clients
// can list runs, fetch one, or follow a run's event feed without a broker.
package stream

import (
	"context"

	"goa.design/maestro/runtime/agent/run"
)

type (
	// UpdateType classifies a streamed update.
	UpdateType string

	// Update is one streamed unit of run progress.
	Update struct {
		// Type discriminates the payload.
		Type UpdateType `json:"type"`
		// RunID identifies the run the update belongs to.
		RunID string `json:"run_id"`
		// Event is set for UpdateEvent.
		Event *run.Event `json:"event,omitempty"`
		// Status is set for UpdateComplete and UpdateError.
		Status run.Status `json:"status,omitempty"`
		// Error carries the run's error message for UpdateError.
		Error string `json:"error,omitempty"`
	}

	// Sink publishes updates to an external transport. Implementations must
	// be safe for concurrent use; background runs send from their own
	// goroutines.
	Sink interface {
		// Send publishes one update. Delivery is best-effort from the
		// runtime's point of view: a failed Send is logged and the run
		// proceeds.
		Send(ctx context.Context, update Update) error

		// Close releases the sink's resources. Idempotent.
		Close(ctx context.Context) error
	}
)

// Update types.
const (
	// UpdateEvent carries one run event.
	UpdateEvent UpdateType = "update"
	// UpdateComplete marks a run that reached the completed or aborted
	// status. No further updates follow.
	UpdateComplete UpdateType = "complete"
	// UpdateError marks a run that reached the failed status. No further
	// updates follow.
	UpdateError UpdateType = "error"
)
