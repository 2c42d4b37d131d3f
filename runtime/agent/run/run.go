// Package run defines the durable record of one agent run and the store
// contract used to persist it. A run is one execution of an agent against a
// task, identified by a run_id, progressing through the state machine to a
// terminal outcome. The engine treats persistence as best-effort: the
// in-memory result is authoritative and store failures are logged upstream.
package run

import (
	"context"
	"errors"
	"time"

	"goa.design/maestro/runtime/agent/guard"
	"goa.design/maestro/runtime/agent/policy"
	"goa.design/maestro/runtime/agent/tools"
)

type (
	// Status is a run's lifecycle state.
	Status string

	// Event is one progress entry appended to a run record. The streaming
	// surface polls the record for new entries.
	Event struct {
		// Seq orders events within a run, starting at 1.
		Seq int `json:"seq" bson:"seq"`
		// Type names the event (e.g. "plan", "tool_call", "verify").
		Type string `json:"type" bson:"type"`
		// Message is the human-readable payload.
		Message string `json:"message" bson:"message"`
		// Timestamp is when the event occurred.
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	}

	// Record is the persistent document describing one run.
	Record struct {
		// RunID uniquely identifies the run.
		RunID string `json:"run_id" bson:"run_id"`
		// AgentName identifies which agent executed.
		AgentName string `json:"agent_name" bson:"agent_name"`
		// UserID and Brand identify the caller for policy and metering.
		UserID string `json:"user_id,omitempty" bson:"user_id,omitempty"`
		Brand  string `json:"brand,omitempty" bson:"brand,omitempty"`
		// Task is the formatted task text the run executed.
		Task string `json:"task" bson:"task"`
		// Context is the caller-supplied context map.
		Context map[string]any `json:"context,omitempty" bson:"context,omitempty"`
		// Variables are the validated inputs the run was prepared with.
		Variables map[string]any `json:"variables,omitempty" bson:"variables,omitempty"`
		// ModelConfig is the resolved model policy.
		ModelConfig policy.Resolved `json:"model_config" bson:"model_config"`
		// Policy is the guard policy the run was bounded by.
		Policy guard.Policy `json:"policy" bson:"policy"`
		// Status is the run's lifecycle state.
		Status Status `json:"status" bson:"status"`
		// StartedAt and CompletedAt bound the execution window.
		StartedAt   time.Time `json:"started_at" bson:"started_at"`
		CompletedAt time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
		// DurationMS is the wall-clock run duration in milliseconds.
		DurationMS int64 `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
		// FinalAnswer is the synthesized result, present even for failed
		// runs as a best-effort "Task failed: ..." message.
		FinalAnswer string `json:"final_answer,omitempty" bson:"final_answer,omitempty"`
		// Error describes the failure for failed runs.
		Error string `json:"error,omitempty" bson:"error,omitempty"`
		// ToolCalls are the ordered tool invocations the run made.
		ToolCalls []tools.Call `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
		// Aborted is true when the run observed an abort request.
		Aborted bool `json:"aborted,omitempty" bson:"aborted,omitempty"`
		// Events is the append-only progress log.
		Events []Event `json:"events,omitempty" bson:"events,omitempty"`
	}

	// Filter selects runs for listing. Zero fields match everything.
	Filter struct {
		AgentName string
		UserID    string
		Brand     string
		Status    Status
		// Limit caps the result count. Zero means no cap.
		Limit int
	}

	// Store persists run records.
	Store interface {
		// Upsert stores the record keyed by RunID.
		Upsert(ctx context.Context, record Record) error
		// Load retrieves a record or ErrNotFound.
		Load(ctx context.Context, runID string) (Record, error)
		// List returns records matching the filter, most recent first.
		List(ctx context.Context, filter Filter) ([]Record, error)
		// AppendEvent appends a progress event to the record's events array.
		// Implementations assign Seq.
		AppendEvent(ctx context.Context, runID string, event Event) error
	}
)

// Run lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// ErrNotFound signals an unknown run ID.
var ErrNotFound = errors.New("run: not found")

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Matches reports whether the record satisfies the filter.
func (f Filter) Matches(record Record) bool {
	if f.AgentName != "" && record.AgentName != f.AgentName {
		return false
	}
	if f.UserID != "" && record.UserID != f.UserID {
		return false
	}
	if f.Brand != "" && record.Brand != f.Brand {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	return true
}
