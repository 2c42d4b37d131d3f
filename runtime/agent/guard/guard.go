// Package guard enforces per-run resource and behavior limits: the tool-call
// budget, per-tool caps, the wall-clock timeout, the outbound domain
// allowlist and best-effort PII redaction. A Guard belongs to exactly one run
// and accumulates an append-only list of violations for its lifetime.
package guard

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

type (
	// Policy declares the limits a Guard enforces. It is authored on the
	// agent definition and copied into each run.
	Policy struct {
		// MaxToolCalls caps the total number of tool invocations.
		MaxToolCalls int `json:"max_tool_calls" yaml:"max_tool_calls" bson:"max_tool_calls"`
		// TimeoutSeconds bounds the run's wall-clock duration.
		TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" bson:"timeout_seconds"`
		// MaxCallsPerTool caps invocations of any single tool.
		MaxCallsPerTool int `json:"max_calls_per_tool,omitempty" yaml:"max_calls_per_tool,omitempty" bson:"max_calls_per_tool,omitempty"`
		// AllowedTools restricts execution to the listed tools when non-empty.
		AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty" bson:"allowed_tools,omitempty"`
		// DeniedTools are always rejected, regardless of remaining budget.
		DeniedTools []string `json:"denied_tools,omitempty" yaml:"denied_tools,omitempty" bson:"denied_tools,omitempty"`
		// AllowedDomains restricts outbound calls when non-empty.
		AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty" bson:"allowed_domains,omitempty"`
	}

	// Severity grades a violation.
	Severity string

	// Violation records one breach of a resource or behavioral constraint.
	Violation struct {
		// Type names the constraint breached (e.g. "denied_tool").
		Type string `json:"type"`
		// Message is a human-readable description.
		Message string `json:"message"`
		// Severity grades the breach. Critical violations abort the run.
		Severity Severity `json:"severity"`
		// Timestamp is when the violation was recorded.
		Timestamp time.Time `json:"timestamp"`
		// Metadata carries constraint-specific context.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Summary reports the Guard's accounting for the state machine and the
	// run record.
	Summary struct {
		// Elapsed is the wall-clock time since the Guard was created.
		Elapsed time.Duration
		// TotalCalls counts accepted tool invocations.
		TotalCalls int
		// CallsPerTool breaks TotalCalls down by tool name.
		CallsPerTool map[string]int
		// Violations counts recorded violations by severity.
		Violations map[Severity]int
		// HasCritical is true when any critical violation was recorded. The
		// state machine short-circuits to the error state on it.
		HasCritical bool
	}

	// Guard tracks one run's consumption against its Policy. Safe for
	// concurrent use, though a run drives it from a single goroutine.
	Guard struct {
		mu         sync.Mutex
		policy     Policy
		start      time.Time
		now        func() time.Time
		total      int
		perTool    map[string]int
		violations []Violation
		timedOut   bool
		denied     map[string]struct{}
		allowed    map[string]struct{}
	}

	// Option customizes Guard construction.
	Option func(*Guard)
)

// Violation severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation types recorded by the Guard.
const (
	ViolationTimeout     = "timeout"
	ViolationDeniedTool  = "denied_tool"
	ViolationToolBudget  = "tool_budget_exceeded"
	ViolationToolLimit   = "tool_limit_exceeded"
	ViolationDomain      = "denied_domain"
	ViolationPIIRedacted = "pii_redacted"
)

// Defaults applied when the policy leaves a limit unset.
const (
	DefaultMaxToolCalls    = 10
	DefaultTimeoutSeconds  = 300
	DefaultMaxCallsPerTool = 3
)

// WithClock overrides the Guard's time source. Tests use it to step the
// clock deterministically.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New constructs a Guard for one run. Zero limits fall back to defaults.
func New(policy Policy, opts ...Option) *Guard {
	if policy.MaxToolCalls <= 0 {
		policy.MaxToolCalls = DefaultMaxToolCalls
	}
	if policy.TimeoutSeconds <= 0 {
		policy.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if policy.MaxCallsPerTool <= 0 {
		policy.MaxCallsPerTool = DefaultMaxCallsPerTool
	}
	g := &Guard{
		policy:  policy,
		now:     time.Now,
		perTool: make(map[string]int),
		denied:  toSet(policy.DeniedTools),
		allowed: toSet(policy.AllowedTools),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.start = g.now()
	return g
}

// CheckTimeout reports whether the run's wall-clock budget is exhausted. The
// first breach records a single critical violation; subsequent calls return
// true without growing the violation list.
func (g *Guard) CheckTimeout() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut {
		return true
	}
	elapsed := g.now().Sub(g.start)
	limit := time.Duration(g.policy.TimeoutSeconds) * time.Second
	if elapsed < limit {
		return false
	}
	g.timedOut = true
	g.record(ViolationTimeout, SeverityCritical,
		fmt.Sprintf("run exceeded %ds timeout after %s", g.policy.TimeoutSeconds, elapsed.Truncate(time.Millisecond)),
		map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	return true
}

// CheckToolCall reports whether the named tool may be invoked and, when it
// may, counts the invocation. Denial takes precedence over budget: a denied
// tool is rejected even with calls remaining.
func (g *Guard) CheckToolCall(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, deny := g.denied[name]; deny {
		g.record(ViolationDeniedTool, SeverityError,
			fmt.Sprintf("tool %q is denied by policy", name),
			map[string]any{"tool": name})
		return false
	}
	if len(g.allowed) > 0 {
		if _, ok := g.allowed[name]; !ok {
			g.record(ViolationDeniedTool, SeverityError,
				fmt.Sprintf("tool %q is not in the allowed set", name),
				map[string]any{"tool": name})
			return false
		}
	}
	if g.total >= g.policy.MaxToolCalls {
		g.record(ViolationToolBudget, SeverityError,
			fmt.Sprintf("tool-call budget of %d exhausted", g.policy.MaxToolCalls),
			map[string]any{"tool": name})
		return false
	}
	if g.perTool[name] >= g.policy.MaxCallsPerTool {
		g.record(ViolationToolLimit, SeverityWarning,
			fmt.Sprintf("tool %q reached its cap of %d calls", name, g.policy.MaxCallsPerTool),
			map[string]any{"tool": name})
		return false
	}
	g.total++
	g.perTool[name]++
	return true
}

// CheckURL reports whether an outbound call to the URL's host is permitted.
// A host is permitted when it matches any allowlisted domain by substring in
// either direction. An empty allowlist permits everything.
func (g *Guard) CheckURL(raw string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.policy.AllowedDomains) == 0 {
		return true
	}
	host := hostOf(raw)
	if host != "" {
		for _, domain := range g.policy.AllowedDomains {
			if strings.Contains(host, domain) || strings.Contains(domain, host) {
				return true
			}
		}
	}
	g.record(ViolationDomain, SeverityWarning,
		fmt.Sprintf("host %q is not in the allowed domains", host),
		map[string]any{"url": raw, "host": host})
	return false
}

// Violations returns a copy of the recorded violations in order.
func (g *Guard) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

// Summary reports the Guard's current accounting.
func (g *Guard) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	perTool := make(map[string]int, len(g.perTool))
	for name, count := range g.perTool {
		perTool[name] = count
	}
	bySeverity := make(map[Severity]int)
	hasCritical := false
	for _, v := range g.violations {
		bySeverity[v.Severity]++
		if v.Severity == SeverityCritical {
			hasCritical = true
		}
	}
	return Summary{
		Elapsed:      g.now().Sub(g.start),
		TotalCalls:   g.total,
		CallsPerTool: perTool,
		Violations:   bySeverity,
		HasCritical:  hasCritical,
	}
}

// Policy returns the policy the Guard enforces.
func (g *Guard) Policy() Policy { return g.policy }

// record appends a violation. Callers must hold the mutex.
func (g *Guard) record(vtype string, severity Severity, message string, metadata map[string]any) {
	g.violations = append(g.violations, Violation{
		Type:      vtype,
		Message:   message,
		Severity:  severity,
		Timestamp: g.now(),
		Metadata:  metadata,
	})
}

// hostOf extracts the host from a URL, tolerating bare hosts without scheme.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.Host != "" {
		return u.Hostname()
	}
	u, err = url.Parse("https://" + raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}
