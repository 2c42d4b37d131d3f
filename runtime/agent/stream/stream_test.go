package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/run"
)

// Consumers match on the serialized type tag, so the wire values are part of
// the streaming contract and must not drift.
func TestUpdateTypeWireValues(t *testing.T) {
	require.Equal(t, UpdateType("update"), UpdateEvent)
	require.Equal(t, UpdateType("complete"), UpdateComplete)
	require.Equal(t, UpdateType("error"), UpdateError)
}

func TestUpdateSerializesTypeTag(t *testing.T) {
	payload, err := json.Marshal(Update{
		Type:  UpdateEvent,
		RunID: "r1",
		Event: &run.Event{Seq: 1, Type: "plan", Message: "1. go"},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Equal(t, "update", decoded["type"])
	require.Equal(t, "r1", decoded["run_id"])
}
