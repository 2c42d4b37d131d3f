package engine

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/maestro/runtime/agent/tools"
)

// planPrompt asks for a short plan given the task and context.
func planPrompt(rs *RunState) string {
	var b strings.Builder
	b.WriteString("Produce a short numbered plan (3-5 steps) for the following task. Reply with the plan only.\n\nTask: ")
	b.WriteString(rs.Task)
	if len(rs.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		keys := make([]string, 0, len(rs.Context))
		for k := range rs.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, rs.Context[k])
		}
	}
	return b.String()
}

// actPrompt asks for the next tool call in the constrained directive format.
func actPrompt(runner tools.Runner) string {
	var b strings.Builder
	b.WriteString("Decide the next tool to call, if any. Reply with exactly two lines:\n")
	b.WriteString("TOOL: <name>\nINPUT: <json>\n")
	b.WriteString("Reply with TOOL: none if no further tool call is needed.")
	if named, ok := runner.(interface{ Names() []string }); ok {
		if names := named.Names(); len(names) > 0 {
			b.WriteString("\nAvailable tools: ")
			b.WriteString(strings.Join(names, ", "))
		}
	}
	return b.String()
}

// verifyPrompt asks for a one-word verdict on the recent exchanges.
func verifyPrompt() string {
	return "Judge whether the work so far is on track. Reply with exactly one word: " +
		verdictSuccess + " if the task is progressing or done, " +
		verdictRetry + " if another attempt with different tool calls is needed, " +
		verdictError + " if the task cannot be completed."
}

// finalizePrompt asks for the final answer synthesized from the history.
func finalizePrompt(rs *RunState) string {
	if rs.Aborted {
		return "The run was aborted. Synthesize the best possible partial answer for the task from the conversation so far. Reply with the answer only."
	}
	return "Synthesize the final answer for the task from the conversation so far. Reply with the answer only."
}

// parseToolDirective extracts the tool name and input from a constrained
// TOOL/INPUT response. Unparseable responses yield an empty name, which the
// act state treats as TOOL: none.
func parseToolDirective(text string) (name, input string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "TOOL:"):
			name = strings.TrimSpace(strings.TrimPrefix(trimmed, "TOOL:"))
		case strings.HasPrefix(trimmed, "INPUT:"):
			input = strings.TrimSpace(strings.TrimPrefix(trimmed, "INPUT:"))
		}
	}
	if strings.EqualFold(name, "none") {
		return "none", ""
	}
	return name, input
}
