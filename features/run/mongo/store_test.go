package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/checkpoint"
	"goa.design/maestro/runtime/agent/run"
)

type fakeClient struct {
	records     map[string]run.Record
	events      map[string][]run.Event
	checkpoints map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		records:     make(map[string]run.Record),
		events:      make(map[string][]run.Event),
		checkpoints: make(map[string][]byte),
	}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) UpsertRun(_ context.Context, record run.Record) error {
	f.records[record.RunID] = record
	return nil
}

func (f *fakeClient) LoadRun(_ context.Context, runID string) (run.Record, error) {
	record, ok := f.records[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	record.Events = f.events[runID]
	return record, nil
}

func (f *fakeClient) ListRuns(_ context.Context, filter run.Filter) ([]run.Record, error) {
	var out []run.Record
	for _, record := range f.records {
		if filter.Matches(record) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeClient) AppendRunEvent(_ context.Context, runID string, event run.Event) error {
	if _, ok := f.records[runID]; !ok {
		return run.ErrNotFound
	}
	event.Seq = len(f.events[runID]) + 1
	f.events[runID] = append(f.events[runID], event)
	return nil
}

func (f *fakeClient) SaveCheckpoint(_ context.Context, runID, checkpointID string, snapshot []byte) error {
	f.checkpoints[runID+"/"+checkpointID] = snapshot
	return nil
}

func (f *fakeClient) LoadCheckpoint(_ context.Context, runID, checkpointID string) ([]byte, error) {
	snapshot, ok := f.checkpoints[runID+"/"+checkpointID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return snapshot, nil
}

func TestStoreDelegation(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store, err := NewStore(client)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, run.Record{RunID: "r1", AgentName: "research", Status: run.StatusRunning}))
	require.NoError(t, store.AppendEvent(ctx, "r1", run.Event{Type: "plan", Message: "1. go"}))

	record, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, record.Status)
	require.Len(t, record.Events, 1)
	require.Equal(t, 1, record.Events[0].Seq)

	records, err := store.List(ctx, run.Filter{AgentName: "research"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = store.Load(ctx, "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
	require.ErrorIs(t, store.AppendEvent(ctx, "nope", run.Event{}), run.ErrNotFound)
}

func TestCheckpointStoreDelegation(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	ckpts, err := NewCheckpointStore(client)
	require.NoError(t, err)

	require.NoError(t, ckpts.Save(ctx, "r1", "c1", []byte(`{"state":"verify"}`)))
	snapshot, err := ckpts.Load(ctx, "r1", "c1")
	require.NoError(t, err)
	require.JSONEq(t, `{"state":"verify"}`, string(snapshot))

	_, err = ckpts.Load(ctx, "r1", "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
	_, err = NewCheckpointStore(nil)
	require.Error(t, err)
}
