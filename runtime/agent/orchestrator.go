// Package agent is the run-orchestration facade. An Orchestrator ties the
// agent catalog, variable validation, policy resolution, guarding, usage
// tracing, checkpointing and the execution engine together behind three
// operations: PrepareRun validates and assembles a run, InvokeAgent executes
// it (synchronously or in the background), and AbortRun requests cooperative
// cancellation. Persistence is best-effort throughout: the in-memory result
// is authoritative and store failures are logged, never raised.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/maestro/runtime/agent/checkpoint"
	"goa.design/maestro/runtime/agent/engine"
	"goa.design/maestro/runtime/agent/guard"
	"goa.design/maestro/runtime/agent/model"
	"goa.design/maestro/runtime/agent/policy"
	"goa.design/maestro/runtime/agent/registry"
	"goa.design/maestro/runtime/agent/run"
	"goa.design/maestro/runtime/agent/stream"
	"goa.design/maestro/runtime/agent/telemetry"
	"goa.design/maestro/runtime/agent/tools"
	"goa.design/maestro/runtime/agent/usage"
	"goa.design/maestro/runtime/agent/variables"
)

type (
	// Options wires an Orchestrator to its collaborators.
	Options struct {
		// Agents is the agent catalog. Required.
		Agents *registry.Registry
		// Variables holds the global variable definitions. Nil means no
		// globals.
		Variables *variables.Registry
		// Policies resolves model policy. Nil resolves pure defaults.
		Policies *policy.Resolver
		// Generator performs model invocations. Required. Each run wraps it
		// in a usage tracer so every call is metered.
		Generator model.Generator
		// Runner executes tools. Nil behaves as a runner with no tools.
		Runner tools.Runner
		// Runs persists run records. Nil disables persistence.
		Runs run.Store
		// Checkpoints persists run-state snapshots. Nil disables resume.
		Checkpoints checkpoint.Store
		// Usage receives per-call usage events. Nil disables emission.
		Usage usage.Emitter
		// Aggregates receives flushed daily usage increments. Nil disables
		// flushing.
		Aggregates usage.Aggregator
		// Sink receives streamed run updates. Nil disables push streaming.
		Sink stream.Sink
		// EnforceLimits turns on policy hard-limit enforcement for every
		// resolution.
		EnforceLimits bool
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Orchestrator coordinates run preparation, execution and abort. Safe
	// for concurrent use; runs share nothing but the abort table and the
	// resolver cache.
	Orchestrator struct {
		agents   *registry.Registry
		vars     *variables.Registry
		policies *policy.Resolver
		gen      model.Generator
		runner   tools.Runner
		runs     run.Store
		ckpts    checkpoint.Store
		emitter  usage.Emitter
		agg      usage.Aggregator
		sink     stream.Sink
		enforce  bool
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu     sync.Mutex
		aborts map[string]*abortSlot
	}

	// PrepareRequest names a registered agent and the caller's identity and
	// inputs.
	PrepareRequest struct {
		AgentName string
		UserID    string
		Brand     string
		// Context carries caller-supplied variable values and template data.
		Context map[string]any
		// Overrides take precedence over Context values of the same name.
		Overrides map[string]any
	}

	// PreparedRun is a validated, ready-to-invoke run. Immutable once
	// constructed and consumed exactly once by InvokeAgent.
	PreparedRun struct {
		// RunID is the fresh identifier assigned at preparation.
		RunID string
		// AgentName names the agent that will execute.
		AgentName string
		// UserID and Brand identify the caller.
		UserID string
		Brand  string
		// Context is the merged caller context.
		Context map[string]any
		// Variables are the validated inputs with defaults applied.
		Variables map[string]any
		// ModelConfig is the resolved model policy.
		ModelConfig policy.Resolved
		// Policy is the effective guard policy with defaults applied.
		Policy guard.Policy

		def     registry.Definition
		guard   *guard.Guard
		tracer  *usage.Tracer
		machine *engine.Machine
		resume  *engine.RunState

		mu       sync.Mutex
		consumed bool
	}

	// InvokeOptions tunes one invocation.
	InvokeOptions struct {
		// Task overrides the agent's default task text.
		Task string
		// CheckpointID resumes the run from a stored snapshot instead of
		// starting fresh. The snapshot must belong to the prepared run's ID
		// unless the prepared run was built by ReplayRun.
		CheckpointID string
	}

	// RunResult is the structured outcome of one invocation. Every failure
	// mode past preparation lands here rather than in a returned error.
	RunResult struct {
		RunID string `json:"run_id"`
		// Success is true when the run reached its terminal End state.
		// Aborted runs that finalized gracefully are successful.
		Success bool `json:"success"`
		// FinalAnswer is always present, as a best-effort "Task failed: ..."
		// message when the run failed.
		FinalAnswer string       `json:"final_answer"`
		Error       string       `json:"error,omitempty"`
		Aborted     bool         `json:"aborted,omitempty"`
		ToolCalls   []tools.Call `json:"tool_calls,omitempty"`
		// Violations are the policy breaches the guard accumulated.
		Violations []guard.Violation `json:"violations,omitempty"`
		// CheckpointID identifies the run's latest snapshot, when any.
		CheckpointID string        `json:"checkpoint_id,omitempty"`
		Duration     time.Duration `json:"duration"`
	}

	abortSlot struct {
		mu        sync.Mutex
		requested bool
	}
)

// ErrAgentNotFound signals a PrepareRequest naming an unknown agent.
var ErrAgentNotFound = errors.New("agent: not found")

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Agents == nil {
		return nil, errors.New("agent: registry is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("agent: generator is required")
	}
	vars := opts.Variables
	if vars == nil {
		vars = variables.NewRegistry()
	}
	policies := opts.Policies
	if policies == nil {
		policies = policy.NewResolver(policy.Options{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		agents:   opts.Agents,
		vars:     vars,
		policies: policies,
		gen:      opts.Generator,
		runner:   opts.Runner,
		runs:     opts.Runs,
		ckpts:    opts.Checkpoints,
		emitter:  opts.Usage,
		agg:      opts.Aggregates,
		sink:     opts.Sink,
		enforce:  opts.EnforceLimits,
		log:      logger,
		metrics:  metrics,
		now:      now,
		aborts:   make(map[string]*abortSlot),
	}, nil
}

// PrepareRun fetches the agent definition, validates the caller's inputs
// against the merged variable schema, resolves model policy and assembles a
// ready-to-invoke run. It mutates nothing external; the only reads with side
// effects are resolver cache fills. The returned errors are ErrAgentNotFound
// and *variables.ValidationError (possibly wrapping ErrVariableCollision).
func (o *Orchestrator) PrepareRun(ctx context.Context, req PrepareRequest) (*PreparedRun, error) {
	def, err := o.agents.Get(req.AgentName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, req.AgentName)
	}

	merged, err := o.vars.Merge(def.Variables)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]any, len(req.Context)+len(req.Overrides))
	for k, v := range req.Context {
		inputs[k] = v
	}
	for k, v := range req.Overrides {
		inputs[k] = v
	}
	validated, err := variables.ValidateInputs(merged, inputs)
	if err != nil {
		return nil, err
	}

	resolved := o.policies.Resolve(ctx, req.UserID, req.Brand, o.enforce)
	runID := uuid.NewString()
	g := guard.New(def.Policy)

	tracer := usage.NewTracer(usage.Options{
		Generator:  o.gen,
		Emitter:    o.emitter,
		Aggregator: o.agg,
		Logger:     o.log,
		Metrics:    o.metrics,
		UserID:     req.UserID,
		Brand:      req.Brand,
		RunID:      runID,
		Clock:      o.now,
	})
	machine, err := engine.New(engine.Options{
		Generator: tracer,
		Runner:    o.runner,
		Guard:     g,
		CallOptions: model.CallOptions{
			Provider:    resolved.Provider,
			Model:       resolved.Model,
			Temperature: resolved.Temperature,
			MaxTokens:   resolved.MaxTokens,
		},
		Checkpoints:    o.ckpts,
		AbortRequested: func() bool { return o.abortRequested(runID) },
		OnEvent: func(ctx context.Context, eventType, message string) {
			o.recordEvent(ctx, runID, eventType, message)
		},
		Logger: o.log,
		Clock:  o.now,
	})
	if err != nil {
		return nil, err
	}

	return &PreparedRun{
		RunID:       runID,
		AgentName:   def.Name,
		UserID:      req.UserID,
		Brand:       req.Brand,
		Context:     req.Context,
		Variables:   validated,
		ModelConfig: resolved,
		Policy:      g.Policy(),
		def:         def,
		guard:       g,
		tracer:      tracer,
		machine:     machine,
	}, nil
}

// InvokeAgent executes a prepared run to completion and returns its result.
// All failure modes surface inside the RunResult; callers never need to
// inspect an error for normal failures. The prepared run is consumed: a
// second invocation returns a failed result without executing.
func (o *Orchestrator) InvokeAgent(ctx context.Context, prepared *PreparedRun, opts InvokeOptions) RunResult {
	if !prepared.consume() {
		return RunResult{
			RunID:       prepared.RunID,
			FinalAnswer: "Task failed: prepared run already consumed",
			Error:       "prepared run already consumed",
		}
	}

	task := opts.Task
	if task == "" {
		task = prepared.def.DefaultTask
	}
	task = o.formatTemplate(ctx, task, prepared.Variables)
	system := o.formatTemplate(ctx, prepared.def.PromptTemplate, prepared.Variables)

	started := o.now()
	rs, err := o.runState(ctx, prepared, task, system, opts.CheckpointID, started)
	if err != nil {
		// A named checkpoint that cannot be restored fails the run rather
		// than silently starting over.
		result := RunResult{
			RunID:       prepared.RunID,
			FinalAnswer: "Task failed: " + err.Error(),
			Error:       err.Error(),
		}
		o.recordFinished(ctx, prepared, task, rs, result, started)
		return result
	}

	o.registerAbort(prepared.RunID)
	defer o.removeAbort(prepared.RunID)

	o.recordStarted(ctx, prepared, task, rs, started)

	if err := prepared.machine.Run(ctx, rs); err != nil {
		o.log.Warn(ctx, "run canceled", "run", prepared.RunID, "err", err)
	}
	prepared.tracer.Flush(ctx)

	result := RunResult{
		RunID:        prepared.RunID,
		Success:      rs.State == engine.StateEnd,
		FinalAnswer:  rs.FinalAnswer,
		Error:        rs.Error,
		Aborted:      rs.Aborted,
		ToolCalls:    rs.ToolCalls,
		Violations:   prepared.guard.Violations(),
		CheckpointID: rs.CheckpointID,
		Duration:     o.now().Sub(started),
	}
	o.recordFinished(ctx, prepared, task, rs, result, started)
	o.metrics.IncCounter("runs_total", 1, "agent", prepared.AgentName, "status", string(statusOf(rs)))
	return result
}

// InvokeAgentBackground starts the run on its own goroutine and returns the
// run ID immediately. The result is observable through the run store and the
// stream surface. The background run detaches from the caller's cancellation
// but keeps its values.
func (o *Orchestrator) InvokeAgentBackground(ctx context.Context, prepared *PreparedRun, opts InvokeOptions) string {
	bg := context.WithoutCancel(ctx)
	go func() {
		result := o.InvokeAgent(bg, prepared, opts)
		o.log.Info(bg, "background run finished",
			"run", result.RunID, "agent", prepared.AgentName, "success", result.Success)
	}()
	return prepared.RunID
}

// AbortRun requests cooperative cancellation of a running invocation. It
// returns true when a slot exists for the run ID, false otherwise (unknown
// or already finished). Safe to call repeatedly; the executing run observes
// the flag at its next act-loop entry.
func (o *Orchestrator) AbortRun(runID string) bool {
	o.mu.Lock()
	slot, ok := o.aborts[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	slot.mu.Lock()
	slot.requested = true
	slot.mu.Unlock()
	return true
}

// ReplayRun re-issues PrepareRun and InvokeAgent with the original run's
// parameters, optionally resuming from one of its checkpoints. The replay
// executes under a fresh run ID. Returns an error only when the original run
// is unknown, the checkpoint cannot be loaded, or preparation fails.
func (o *Orchestrator) ReplayRun(ctx context.Context, runID, checkpointID string) (RunResult, error) {
	if o.runs == nil {
		return RunResult{}, errors.New("agent: no run store configured")
	}
	record, err := o.runs.Load(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("agent: load run %q: %w", runID, err)
	}
	prepared, err := o.PrepareRun(ctx, PrepareRequest{
		AgentName: record.AgentName,
		UserID:    record.UserID,
		Brand:     record.Brand,
		Context:   record.Context,
		Overrides: record.Variables,
	})
	if err != nil {
		return RunResult{}, err
	}
	if checkpointID != "" {
		if o.ckpts == nil {
			return RunResult{}, errors.New("agent: no checkpoint store configured")
		}
		snapshot, err := o.ckpts.Load(ctx, runID, checkpointID)
		if err != nil {
			return RunResult{}, fmt.Errorf("agent: load checkpoint %q: %w", checkpointID, err)
		}
		restored, err := engine.Restore(snapshot)
		if err != nil {
			return RunResult{}, fmt.Errorf("agent: restore checkpoint %q: %w", checkpointID, err)
		}
		prepared.resume = restored
	}
	return o.InvokeAgent(ctx, prepared, InvokeOptions{Task: record.Task}), nil
}

// runState builds the engine state for the invocation, either fresh or
// restored from a checkpoint.
func (o *Orchestrator) runState(ctx context.Context, prepared *PreparedRun, task, system, checkpointID string, started time.Time) (*engine.RunState, error) {
	restored := prepared.resume
	if restored == nil && checkpointID != "" {
		if o.ckpts == nil {
			return nil, errors.New("no checkpoint store configured")
		}
		snapshot, err := o.ckpts.Load(ctx, prepared.RunID, checkpointID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %q: %w", checkpointID, err)
		}
		restored, err = engine.Restore(snapshot)
		if err != nil {
			return nil, fmt.Errorf("restore checkpoint %q: %w", checkpointID, err)
		}
	}
	if restored != nil {
		restored.RunID = prepared.RunID
		return restored, nil
	}
	return &engine.RunState{
		RunID:     prepared.RunID,
		AgentName: prepared.AgentName,
		UserID:    prepared.UserID,
		Brand:     prepared.Brand,
		Task:      task,
		Context:   prepared.Context,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: task},
		},
		BudgetRemaining: prepared.Policy.MaxToolCalls,
		TimeoutAt:       started.Add(time.Duration(prepared.Policy.TimeoutSeconds) * time.Second),
	}, nil
}

// placeholderPattern matches identifier-shaped {name} spans so templates
// containing literal braces (JSON examples and the like) do not trip the
// unresolved-placeholder warning.
var placeholderPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// formatTemplate substitutes {name} placeholders with variable values. A
// placeholder with no matching variable is logged and left in place.
func (o *Orchestrator) formatTemplate(ctx context.Context, text string, vars map[string]any) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	out := text
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", fmt.Sprintf("%v", value))
	}
	if leftover := placeholderPattern.FindString(out); leftover != "" {
		o.log.Warn(ctx, "template placeholder without matching variable", "placeholder", leftover, "template", text)
	}
	return out
}

func (o *Orchestrator) registerAbort(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborts[runID] = &abortSlot{}
}

func (o *Orchestrator) removeAbort(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.aborts, runID)
}

func (o *Orchestrator) abortRequested(runID string) bool {
	o.mu.Lock()
	slot, ok := o.aborts[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.requested
}

// recordEvent appends one progress event to the run record and pushes it to
// the sink. Both writes are best-effort.
func (o *Orchestrator) recordEvent(ctx context.Context, runID, eventType, message string) {
	event := run.Event{Type: eventType, Message: message, Timestamp: o.now()}
	if o.runs != nil {
		if err := o.runs.AppendEvent(ctx, runID, event); err != nil {
			o.log.Warn(ctx, "append run event failed", "run", runID, "event", eventType, "err", err)
		}
	}
	if o.sink != nil {
		update := stream.Update{Type: stream.UpdateEvent, RunID: runID, Event: &event}
		if err := o.sink.Send(ctx, update); err != nil {
			o.log.Warn(ctx, "stream send failed", "run", runID, "event", eventType, "err", err)
		}
	}
}

func (o *Orchestrator) recordStarted(ctx context.Context, prepared *PreparedRun, task string, rs *engine.RunState, started time.Time) {
	if o.runs == nil {
		return
	}
	record := run.Record{
		RunID:       prepared.RunID,
		AgentName:   prepared.AgentName,
		UserID:      prepared.UserID,
		Brand:       prepared.Brand,
		Task:        task,
		Context:     prepared.Context,
		Variables:   prepared.Variables,
		ModelConfig: prepared.ModelConfig,
		Policy:      prepared.Policy,
		Status:      run.StatusRunning,
		StartedAt:   started,
	}
	if err := o.runs.Upsert(ctx, record); err != nil {
		o.log.Warn(ctx, "record run start failed", "run", prepared.RunID, "err", err)
	}
}

func (o *Orchestrator) recordFinished(ctx context.Context, prepared *PreparedRun, task string, rs *engine.RunState, result RunResult, started time.Time) {
	status := run.StatusFailed
	if rs != nil {
		status = statusOf(rs)
	}
	if o.runs != nil {
		completed := o.now()
		record := run.Record{
			RunID:       prepared.RunID,
			AgentName:   prepared.AgentName,
			UserID:      prepared.UserID,
			Brand:       prepared.Brand,
			Task:        task,
			Context:     prepared.Context,
			Variables:   prepared.Variables,
			ModelConfig: prepared.ModelConfig,
			Policy:      prepared.Policy,
			Status:      status,
			StartedAt:   started,
			CompletedAt: completed,
			DurationMS:  completed.Sub(started).Milliseconds(),
			FinalAnswer: result.FinalAnswer,
			Error:       result.Error,
			ToolCalls:   result.ToolCalls,
			Aborted:     result.Aborted,
		}
		if err := o.runs.Upsert(ctx, record); err != nil {
			o.log.Warn(ctx, "record run finish failed", "run", prepared.RunID, "err", err)
		}
	}
	if o.sink != nil {
		update := stream.Update{Type: stream.UpdateComplete, RunID: prepared.RunID, Status: status}
		if status == run.StatusFailed {
			update = stream.Update{Type: stream.UpdateError, RunID: prepared.RunID, Status: status, Error: result.Error}
		}
		if err := o.sink.Send(ctx, update); err != nil {
			o.log.Warn(ctx, "stream send failed", "run", prepared.RunID, "err", err)
		}
	}
}

func statusOf(rs *engine.RunState) run.Status {
	switch {
	case rs.Aborted:
		return run.StatusAborted
	case rs.State == engine.StateEnd:
		return run.StatusCompleted
	default:
		return run.StatusFailed
	}
}

// consume marks the prepared run used, reporting whether this caller won.
func (p *PreparedRun) consume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return false
	}
	p.consumed = true
	return true
}
