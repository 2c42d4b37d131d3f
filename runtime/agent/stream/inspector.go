package stream

import (
	"context"
	"errors"
	"time"

	"goa.design/maestro/runtime/agent/run"
	"goa.design/maestro/runtime/agent/telemetry"
)

type (
	// Inspector exposes read access to runs: list, fetch, and follow. It
	// polls the run store rather than subscribing to a broker so it works
	// against any Store implementation.
	Inspector struct {
		store    run.Store
		interval time.Duration
		log      telemetry.Logger
	}

	// InspectorOptions configures an Inspector.
	InspectorOptions struct {
		// Store is the run store to read from. Required.
		Store run.Store
		// PollInterval is the delay between polls while following a run.
		// Defaults to 250ms.
		PollInterval time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}
)

const defaultPollInterval = 250 * time.Millisecond

// NewInspector constructs an Inspector.
func NewInspector(opts InspectorOptions) (*Inspector, error) {
	if opts.Store == nil {
		return nil, errors.New("stream: run store is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Inspector{store: opts.Store, interval: interval, log: logger}, nil
}

// ListRuns returns run records matching the filter, most recent first.
func (i *Inspector) ListRuns(ctx context.Context, filter run.Filter) ([]run.Record, error) {
	return i.store.List(ctx, filter)
}

// GetRun returns the full record for one run, or run.ErrNotFound.
func (i *Inspector) GetRun(ctx context.Context, runID string) (run.Record, error) {
	return i.store.Load(ctx, runID)
}

// StreamRunEvents follows a run's event feed. It returns a channel that
// receives every event already recorded, then new events as they appear, and
// finally one UpdateComplete or UpdateError once the run reaches a terminal
// status, after which the channel is closed. Canceling the context stops the
// stream. The run must exist when the call is made.
func (i *Inspector) StreamRunEvents(ctx context.Context, runID string) (<-chan Update, error) {
	if _, err := i.store.Load(ctx, runID); err != nil {
		return nil, err
	}
	updates := make(chan Update)
	go i.follow(ctx, runID, updates)
	return updates, nil
}

func (i *Inspector) follow(ctx context.Context, runID string, updates chan<- Update) {
	defer close(updates)
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	lastSeq := 0
	for {
		record, err := i.store.Load(ctx, runID)
		if err != nil {
			i.log.Warn(ctx, "run stream poll failed", "run", runID, "err", err)
			select {
			case updates <- Update{Type: UpdateError, RunID: runID, Error: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		for _, event := range record.Events {
			if event.Seq <= lastSeq {
				continue
			}
			lastSeq = event.Seq
			ev := event
			select {
			case updates <- Update{Type: UpdateEvent, RunID: runID, Event: &ev}:
			case <-ctx.Done():
				return
			}
		}
		if record.Status.Terminal() {
			final := Update{Type: UpdateComplete, RunID: runID, Status: record.Status}
			if record.Status == run.StatusFailed {
				final = Update{Type: UpdateError, RunID: runID, Status: record.Status, Error: record.Error}
			}
			select {
			case updates <- final:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
