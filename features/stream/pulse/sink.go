// Package pulse implements stream.Sink over goa.design/pulse streams. Each
// run gets its own stream named run/<run_id>; consumers attach a reader to
// follow one run's updates without polling the run store.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/maestro/features/stream/pulse/clients/pulse"
	"goa.design/maestro/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the updates. Required.
		Client pulse.Client
		// StreamID derives the target stream name from an update. Defaults
		// to run/<run_id>.
		StreamID func(stream.Update) (string, error)
	}

	// Sink publishes run updates to Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(stream.Update) (string, error)
	}

	// envelope is the wire form of one update.
	envelope struct {
		Type      string        `json:"type"`
		RunID     string        `json:"run_id"`
		Timestamp time.Time     `json:"timestamp"`
		Update    stream.Update `json:"update"`
	}
)

// NewSink constructs a Pulse-backed run-update sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes one update to the run's stream.
func (s *Sink) Send(ctx context.Context, update stream.Update) error {
	name, err := s.streamID(update)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      string(update.Type),
		RunID:     update.RunID,
		Timestamp: time.Now().UTC(),
		Update:    update,
	})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(update.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(update stream.Update) (string, error) {
	if update.RunID == "" {
		return "", errors.New("update missing run id")
	}
	return fmt.Sprintf("run/%s", update.RunID), nil
}
