// Package tools defines the narrow contract through which the engine invokes
// named capabilities during the Act state. Tool failures are data, not
// control flow: runners return errors, but the engine records them as the
// call's output text and keeps going.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type (
	// Runner executes a named tool with a JSON-ish input string and returns
	// its output text. Implementations must be safe for concurrent use.
	Runner interface {
		Run(ctx context.Context, name, input string) (string, error)
	}

	// Call records one tool invocation made during a run. Records are
	// append-only within a run and persisted with the run document.
	Call struct {
		// Name is the tool that was invoked.
		Name string `json:"name"`
		// Input is the raw input string passed to the tool.
		Input string `json:"input"`
		// Output is the tool's output text, or the captured error message
		// when the tool failed.
		Output string `json:"output"`
		// Failed indicates the output is a captured error message.
		Failed bool `json:"failed,omitempty"`
		// StartedAt is when the invocation began.
		StartedAt time.Time `json:"started_at"`
		// DurationMS is the wall-clock execution time in milliseconds.
		DurationMS int64 `json:"duration_ms"`
	}

	// Func is a single tool implementation.
	Func func(ctx context.Context, input string) (string, error)

	// FuncRunner dispatches to a fixed map of tool functions. The zero value
	// is a runner with no tools.
	FuncRunner struct {
		funcs map[string]Func
	}
)

// NewFuncRunner builds a Runner over the provided tool functions.
func NewFuncRunner(funcs map[string]Func) *FuncRunner {
	copied := make(map[string]Func, len(funcs))
	for name, fn := range funcs {
		copied[name] = fn
	}
	return &FuncRunner{funcs: copied}
}

// Run dispatches to the named tool. Unknown names are an error; the engine
// captures it as the call's output like any other tool failure.
func (r *FuncRunner) Run(ctx context.Context, name, input string) (string, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}
	return fn(ctx, input)
}

// Names returns the sorted tool names the runner can dispatch to.
func (r *FuncRunner) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
