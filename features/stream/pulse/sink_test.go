package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientpulse "goa.design/maestro/features/stream/pulse/clients/pulse"
	"goa.design/maestro/runtime/agent/run"
	"goa.design/maestro/runtime/agent/stream"
)

type fakeStream struct {
	added []struct {
		event   string
		payload []byte
	}
	addErr error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, struct {
		event   string
		payload []byte
	}{event, payload})
	return "1-0", nil
}

func (f *fakeStream) NewReader(context.Context, string, ...streamopts.Sink) (clientpulse.Reader, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
	closed  bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientpulse.Stream, error) {
	if f.streams == nil {
		f.streams = make(map[string]*fakeStream)
	}
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{}
		f.streams[name] = s
	}
	return s, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestSendPublishesEnvelope(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	update := stream.Update{
		Type:  stream.UpdateEvent,
		RunID: "r1",
		Event: &run.Event{Seq: 1, Type: "plan", Message: "1. go"},
	}
	require.NoError(t, sink.Send(context.Background(), update))

	s := client.streams["run/r1"]
	require.NotNil(t, s)
	require.Len(t, s.added, 1)
	require.Equal(t, "update", s.added[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(s.added[0].payload, &env))
	require.Equal(t, "r1", env.RunID)
	require.Equal(t, "plan", env.Update.Event.Type)
}

func TestSendMissingRunID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), stream.Update{Type: stream.UpdateComplete}))
}

func TestSendCustomStreamID(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{
		Client:   client,
		StreamID: func(stream.Update) (string, error) { return "all-runs", nil },
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.Update{Type: stream.UpdateComplete, RunID: "r9"}))
	require.NotNil(t, client.streams["all-runs"])
}

func TestCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}
