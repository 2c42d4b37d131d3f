// Package engine implements the bounded plan→act→verify→finalize state
// machine that executes one agent run. States are an explicit enumerated
// type and every state is a function from run state to the next state, so
// the whole graph is inspectable without a workflow framework. The engine
// owns the run's mutable state and cooperates with a guard (limits), a
// usage-tracing generator (model calls) and a checkpoint store (resume).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/maestro/runtime/agent/checkpoint"
	"goa.design/maestro/runtime/agent/guard"
	"goa.design/maestro/runtime/agent/model"
	"goa.design/maestro/runtime/agent/telemetry"
	"goa.design/maestro/runtime/agent/tools"
)

type (
	// State identifies a node of the execution graph.
	State string

	// RunState is the mutable, single-owner state threaded through the
	// machine. It is JSON-serializable so checkpoints can snapshot it.
	RunState struct {
		RunID     string         `json:"run_id"`
		AgentName string         `json:"agent_name"`
		UserID    string         `json:"user_id,omitempty"`
		Brand     string         `json:"brand,omitempty"`
		Task      string         `json:"task"`
		Context   map[string]any `json:"context,omitempty"`
		Plan      string         `json:"plan,omitempty"`
		ToolCalls []tools.Call   `json:"tool_calls,omitempty"`
		// Messages is the accumulated conversation. Seeded by the caller
		// with the system prompt and task before Run.
		Messages []model.Message `json:"messages"`
		// BudgetRemaining is the count of tool invocations the run may still
		// perform. Monotonically non-increasing.
		BudgetRemaining int `json:"budget_remaining"`
		// TimeoutAt is the absolute deadline for the run.
		TimeoutAt    time.Time `json:"timeout_at"`
		Error        string    `json:"error,omitempty"`
		FinalAnswer  string    `json:"final_answer,omitempty"`
		Aborted      bool      `json:"aborted,omitempty"`
		CheckpointID string    `json:"checkpoint_id,omitempty"`
		// State is the node to execute next; lets a checkpoint resume
		// mid-graph.
		State State `json:"state"`
	}

	// Options wires a Machine to its collaborators.
	Options struct {
		// Generator performs model invocations. Usually a usage.Tracer so
		// every call is metered. Required.
		Generator model.Generator
		// Runner executes tools. Nil behaves as a runner with no tools.
		Runner tools.Runner
		// Guard enforces the run's policy. Required.
		Guard *guard.Guard
		// CallOptions carries the resolved model configuration.
		CallOptions model.CallOptions
		// Checkpoints persists run-state snapshots. Nil disables them.
		Checkpoints checkpoint.Store
		// AbortRequested is polled at every Act entry. Nil means never.
		AbortRequested func() bool
		// OnEvent receives progress events (best-effort, may be nil).
		OnEvent func(ctx context.Context, eventType, message string)
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Machine drives one RunState through the graph to a terminal state.
	Machine struct {
		gen    model.Generator
		runner tools.Runner
		guard  *guard.Guard
		opts   model.CallOptions
		ckpts  checkpoint.Store
		abort  func() bool
		event  func(ctx context.Context, eventType, message string)
		log    telemetry.Logger
		now    func() time.Time
	}
)

// Graph states. StateEnd and StateError are terminal.
const (
	StatePlan     State = "plan"
	StateAct      State = "act"
	StateVerify   State = "verify"
	StateFinalize State = "finalize"
	StateError    State = "error"
	StateEnd      State = "end"
)

// Tuning constants for the act loop.
const (
	// verifyEvery routes to Verify after every Nth tool call.
	verifyEvery = 3
	// maxMessages bounds the conversation before forcing Finalize.
	maxMessages = 50
)

// Verify verdict tokens the model is asked to answer with.
const (
	verdictSuccess = "SUCCESS"
	verdictRetry   = "RETRY"
	verdictError   = "ERROR"
)

// New constructs a Machine.
func New(opts Options) (*Machine, error) {
	if opts.Generator == nil {
		return nil, errors.New("engine: generator is required")
	}
	if opts.Guard == nil {
		return nil, errors.New("engine: guard is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Machine{
		gen:    opts.Generator,
		runner: opts.Runner,
		guard:  opts.Guard,
		opts:   opts.CallOptions,
		ckpts:  opts.Checkpoints,
		abort:  opts.AbortRequested,
		event:  opts.OnEvent,
		log:    logger,
		now:    now,
	}, nil
}

// Run drives the state machine until a terminal state. Failures surface in
// rs.Error and rs.FinalAnswer, never as a returned error; the only error
// returned is the context's, when the caller cancels outright.
func (m *Machine) Run(ctx context.Context, rs *RunState) error {
	state := rs.State
	if state == "" {
		state = StatePlan
	}
	for {
		if err := ctx.Err(); err != nil {
			rs.Error = "context canceled"
			rs.State = StateError
			return err
		}
		rs.State = state
		switch state {
		case StatePlan:
			state = m.plan(ctx, rs)
		case StateAct:
			state = m.act(ctx, rs)
		case StateVerify:
			state = m.verify(ctx, rs)
		case StateFinalize:
			state = m.finalize(ctx, rs)
		case StateError:
			m.fail(ctx, rs)
			rs.State = StateError
			return nil
		case StateEnd:
			rs.State = StateEnd
			return nil
		default:
			rs.Error = fmt.Sprintf("unknown state %q", state)
			state = StateError
		}
	}
}

// plan asks the model for a short plan. A model failure here is fatal to the
// run and routes to the error state.
func (m *Machine) plan(ctx context.Context, rs *RunState) State {
	prompt := planPrompt(rs)
	result, err := m.gen.Generate(ctx, append(rs.Messages, model.Message{Role: model.RoleUser, Content: prompt}), m.opts)
	if err != nil {
		rs.Error = fmt.Sprintf("planning failed: %v", err)
		return StateError
	}
	rs.Plan = result.Text
	rs.Messages = append(rs.Messages, model.Message{Role: model.RoleAssistant, Content: "Plan:\n" + result.Text})
	m.emit(ctx, "plan", result.Text)
	return StateAct
}

// act polls the abort flag, checks budget and deadline, then asks the model
// for the next tool call in the constrained TOOL/INPUT format and executes
// it. Tool errors become the call's output, never failures.
func (m *Machine) act(ctx context.Context, rs *RunState) State {
	if m.abort != nil && m.abort() {
		rs.Aborted = true
		rs.Messages = append(rs.Messages, model.Message{Role: model.RoleUser, Content: "The run was aborted by an operator. Wrap up with what you have."})
		m.emit(ctx, "abort", "abort requested, finalizing")
		return StateFinalize
	}
	if rs.BudgetRemaining <= 0 {
		m.emit(ctx, "budget", "tool budget exhausted, finalizing")
		return StateFinalize
	}
	if !rs.TimeoutAt.IsZero() && m.now().After(rs.TimeoutAt) {
		m.guard.CheckTimeout()
		m.emit(ctx, "timeout", "deadline reached, finalizing")
		return StateFinalize
	}

	result, err := m.gen.Generate(ctx, append(rs.Messages, model.Message{Role: model.RoleUser, Content: actPrompt(m.runner)}), m.opts)
	if err != nil {
		// Degrade rather than fail: the history so far can still be
		// synthesized into an answer.
		m.log.Warn(ctx, "tool selection failed, finalizing", "run", rs.RunID, "err", err)
		return StateFinalize
	}
	name, input := parseToolDirective(result.Text)
	if name == "" || name == "none" {
		return StateFinalize
	}

	if !m.guard.CheckToolCall(name) {
		// Denied by policy. Burn budget so a stubborn model cannot spin
		// forever re-requesting the same tool.
		rs.BudgetRemaining--
		rs.Messages = append(rs.Messages, model.Message{
			Role:    model.RoleUser,
			Content: fmt.Sprintf("Tool %q was denied by policy. Choose another tool or answer TOOL: none.", name),
		})
		m.emit(ctx, "tool_denied", name)
		return StateAct
	}

	started := m.now()
	output, runErr := m.runTool(ctx, name, input)
	call := tools.Call{
		Name:       name,
		Input:      input,
		Output:     output,
		Failed:     runErr != nil,
		StartedAt:  started,
		DurationMS: m.now().Sub(started).Milliseconds(),
	}
	rs.ToolCalls = append(rs.ToolCalls, call)
	rs.BudgetRemaining--
	rs.Messages = append(rs.Messages,
		model.Message{Role: model.RoleAssistant, Content: fmt.Sprintf("TOOL: %s\nINPUT: %s", name, input)},
		model.Message{Role: model.RoleUser, Content: "Tool output:\n" + output},
	)
	m.emit(ctx, "tool_call", name)

	switch {
	case len(rs.Messages) > maxMessages:
		return StateFinalize
	case len(rs.ToolCalls)%verifyEvery == 0:
		return StateVerify
	default:
		return StateAct
	}
}

// verify asks the model to judge the recent exchanges. ERROR is fatal; RETRY
// loops back to Act while budget and deadline allow; anything else proceeds
// to Finalize. A checkpoint is written after each verdict.
func (m *Machine) verify(ctx context.Context, rs *RunState) State {
	if m.guard.Summary().HasCritical {
		rs.Error = "critical policy violation"
		return StateError
	}
	result, err := m.gen.Generate(ctx, append(rs.Messages, model.Message{Role: model.RoleUser, Content: verifyPrompt()}), m.opts)
	if err != nil {
		rs.Error = fmt.Sprintf("verification failed: %v", err)
		return StateError
	}
	verdict := strings.ToUpper(strings.TrimSpace(result.Text))
	m.emit(ctx, "verify", verdict)
	m.saveCheckpoint(ctx, rs)

	switch {
	case strings.Contains(verdict, verdictError):
		rs.Error = "verification reported an unrecoverable error"
		return StateError
	case strings.Contains(verdict, verdictRetry):
		if rs.BudgetRemaining > 0 && (rs.TimeoutAt.IsZero() || m.now().Before(rs.TimeoutAt)) {
			return StateAct
		}
		return StateFinalize
	default:
		return StateFinalize
	}
}

// finalize asks the model to synthesize the final answer from the full
// history, redacts PII from it and terminates successfully.
func (m *Machine) finalize(ctx context.Context, rs *RunState) State {
	m.saveCheckpoint(ctx, rs)
	result, err := m.gen.Generate(ctx, append(rs.Messages, model.Message{Role: model.RoleUser, Content: finalizePrompt(rs)}), m.opts)
	if err != nil {
		rs.Error = fmt.Sprintf("finalization failed: %v", err)
		return StateError
	}
	rs.FinalAnswer = m.guard.RedactPII(result.Text)
	m.emit(ctx, "finalize", "final answer ready")
	return StateEnd
}

// fail produces the best-effort failure answer so downstream consumers
// always have something to render.
func (m *Machine) fail(ctx context.Context, rs *RunState) {
	reason := rs.Error
	if reason == "" {
		reason = "unknown error"
	}
	rs.FinalAnswer = "Task failed: " + reason
	m.emit(ctx, "error", reason)
}

// runTool executes the tool on the runner, capturing any error as output
// text.
func (m *Machine) runTool(ctx context.Context, name, input string) (string, error) {
	if m.runner == nil {
		err := errors.New("no tool runner configured")
		return "error: " + err.Error(), err
	}
	output, err := m.runner.Run(ctx, name, input)
	if err != nil {
		return "error: " + err.Error(), err
	}
	return output, nil
}

// saveCheckpoint snapshots the run state, assigning a checkpoint ID on first
// save. Failures are logged; checkpoints are an aid, not a guarantee.
func (m *Machine) saveCheckpoint(ctx context.Context, rs *RunState) {
	if m.ckpts == nil {
		return
	}
	if rs.CheckpointID == "" {
		rs.CheckpointID = uuid.NewString()
	}
	snapshot, err := Snapshot(rs)
	if err != nil {
		m.log.Error(ctx, "checkpoint encode failed", "run", rs.RunID, "err", err)
		return
	}
	if err := m.ckpts.Save(ctx, rs.RunID, rs.CheckpointID, snapshot); err != nil {
		m.log.Error(ctx, "checkpoint save failed", "run", rs.RunID, "checkpoint", rs.CheckpointID, "err", err)
	}
}

func (m *Machine) emit(ctx context.Context, eventType, message string) {
	if m.event != nil {
		m.event(ctx, eventType, message)
	}
}
