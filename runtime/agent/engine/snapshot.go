package engine

import (
	"encoding/json"
	"fmt"
)

// Snapshot encodes the run state for checkpoint storage.
func Snapshot(rs *RunState) ([]byte, error) {
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("engine: snapshot encode: %w", err)
	}
	return data, nil
}

// Restore decodes a checkpoint snapshot back into a run state.
func Restore(snapshot []byte) (*RunState, error) {
	var rs RunState
	if err := json.Unmarshal(snapshot, &rs); err != nil {
		return nil, fmt.Errorf("engine: snapshot decode: %w", err)
	}
	return &rs, nil
}
