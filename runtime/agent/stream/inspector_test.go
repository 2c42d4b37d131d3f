package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/run"
	runmem "goa.design/maestro/runtime/agent/run/inmem"
)

func newTestInspector(t *testing.T, store run.Store) *Inspector {
	t.Helper()
	inspector, err := NewInspector(InspectorOptions{Store: store, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return inspector
}

func TestNewInspectorRequiresStore(t *testing.T) {
	_, err := NewInspector(InspectorOptions{})
	require.Error(t, err)
}

func TestStreamRunEventsUnknownRun(t *testing.T) {
	inspector := newTestInspector(t, runmem.New())
	_, err := inspector.StreamRunEvents(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestStreamRunEventsDeliversAndCompletes(t *testing.T) {
	ctx := context.Background()
	store := runmem.New()
	record := run.Record{RunID: "r1", AgentName: "research", Status: run.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, store.Upsert(ctx, record))
	require.NoError(t, store.AppendEvent(ctx, "r1", run.Event{Type: "plan", Message: "1. go"}))

	inspector := newTestInspector(t, store)
	updates, err := inspector.StreamRunEvents(ctx, "r1")
	require.NoError(t, err)

	first := <-updates
	require.Equal(t, UpdateEvent, first.Type)
	require.Equal(t, "plan", first.Event.Type)
	require.Equal(t, 1, first.Event.Seq)

	// Append another event and complete the run while the stream polls.
	require.NoError(t, store.AppendEvent(ctx, "r1", run.Event{Type: "finalize", Message: "done"}))
	record.Status = run.StatusCompleted
	require.NoError(t, store.Upsert(ctx, record))

	second := <-updates
	require.Equal(t, UpdateEvent, second.Type)
	require.Equal(t, "finalize", second.Event.Type)
	require.Equal(t, 2, second.Event.Seq)

	final := <-updates
	require.Equal(t, UpdateComplete, final.Type)
	require.Equal(t, run.StatusCompleted, final.Status)

	_, open := <-updates
	require.False(t, open)
}

func TestStreamRunEventsFailedRun(t *testing.T) {
	ctx := context.Background()
	store := runmem.New()
	require.NoError(t, store.Upsert(ctx, run.Record{
		RunID:  "r2",
		Status: run.StatusFailed,
		Error:  "provider down",
	}))

	inspector := newTestInspector(t, store)
	updates, err := inspector.StreamRunEvents(ctx, "r2")
	require.NoError(t, err)

	final := <-updates
	require.Equal(t, UpdateError, final.Type)
	require.Equal(t, "provider down", final.Error)

	_, open := <-updates
	require.False(t, open)
}

func TestStreamRunEventsCancel(t *testing.T) {
	store := runmem.New()
	require.NoError(t, store.Upsert(context.Background(), run.Record{RunID: "r3", Status: run.StatusRunning}))

	ctx, cancel := context.WithCancel(context.Background())
	inspector := newTestInspector(t, store)
	updates, err := inspector.StreamRunEvents(ctx, "r3")
	require.NoError(t, err)

	cancel()
	for range updates {
		// Drain until the poller notices the cancellation.
	}
}

func TestListAndGet(t *testing.T) {
	ctx := context.Background()
	store := runmem.New()
	require.NoError(t, store.Upsert(ctx, run.Record{RunID: "a", AgentName: "x", Status: run.StatusCompleted, StartedAt: time.Now()}))
	require.NoError(t, store.Upsert(ctx, run.Record{RunID: "b", AgentName: "y", Status: run.StatusRunning, StartedAt: time.Now().Add(time.Second)}))

	inspector := newTestInspector(t, store)

	records, err := inspector.ListRuns(ctx, run.Filter{AgentName: "x"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].RunID)

	record, err := inspector.GetRun(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, record.Status)

	_, err = inspector.GetRun(ctx, "zzz")
	require.ErrorIs(t, err, run.ErrNotFound)
}
