// Package usage meters model invocations. A Tracer wraps the Generator used
// by a run so every call, planning and verification included, produces one
// UsageEvent with token counts (reported or estimated) and cost. Events are
// emitted immediately, best-effort, and buffered for periodic Flush into
// per-day aggregate counters.
package usage

import (
	"context"
	"sync"
	"time"

	"goa.design/maestro/runtime/agent/model"
	"goa.design/maestro/runtime/agent/telemetry"
)

type (
	// Event records token consumption and cost for one model invocation.
	// Immutable once emitted.
	Event struct {
		Timestamp        time.Time `json:"timestamp" bson:"timestamp"`
		UserID           string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
		Brand            string    `json:"brand,omitempty" bson:"brand,omitempty"`
		RunID            string    `json:"run_id" bson:"run_id"`
		Provider         string    `json:"provider" bson:"provider"`
		Model            string    `json:"model" bson:"model"`
		PromptTokens     int       `json:"prompt_tokens" bson:"prompt_tokens"`
		CompletionTokens int       `json:"completion_tokens" bson:"completion_tokens"`
		CostUSD          float64   `json:"cost_usd" bson:"cost_usd"`
		LatencyMS        int64     `json:"latency_ms" bson:"latency_ms"`
		// Estimated is true when the provider reported no usage and the
		// token counts were derived from the text.
		Estimated bool `json:"estimated,omitempty" bson:"estimated,omitempty"`
	}

	// Emitter receives individual usage events. Implementations persist them
	// for billing audit; emit failures are logged by the Tracer, never
	// surfaced to the run.
	Emitter interface {
		EmitUsage(ctx context.Context, event Event) error
	}

	// Aggregator applies an atomic increment to the daily counter for
	// (date, user, brand). Implementations must never read-modify-write so
	// concurrent flushes from multiple runs remain correct.
	Aggregator interface {
		IncrementDaily(ctx context.Context, date, userID, brand string, tokens int, costUSD float64) error
	}

	// Reader reports accumulated daily tokens. It is the lookup the policy
	// resolver uses for limit enforcement.
	Reader interface {
		DailyTokens(ctx context.Context, date, userID, brand string) (int, error)
	}

	// Options configures a Tracer.
	Options struct {
		// Generator is the wrapped model capability. Required.
		Generator model.Generator
		// Emitter receives per-call events. Nil disables emission.
		Emitter Emitter
		// Aggregator receives flushed daily increments. Nil disables Flush.
		Aggregator Aggregator
		// Logger receives emit/flush failures. Defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics records call latency and token counters. Defaults to noop.
		Metrics telemetry.Metrics
		// UserID, Brand and RunID stamp every event.
		UserID string
		Brand  string
		RunID  string
		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Tracer wraps a Generator for one run. It implements model.Generator so
	// the engine can use it transparently. Safe for concurrent use.
	Tracer struct {
		gen     model.Generator
		emitter Emitter
		agg     Aggregator
		log     telemetry.Logger
		metrics telemetry.Metrics
		userID  string
		brand   string
		runID   string
		now     func() time.Time

		mu     sync.Mutex
		buffer []Event
	}

	aggKey struct {
		date   string
		userID string
		brand  string
	}
)

// costPer1K maps "provider:model" pairs to USD per 1K tokens. Placeholder
// rates; real pricing is an external configuration concern.
var costPer1K = map[string]float64{
	"openai:gpt-4o-mini":      0.0006,
	"openai:gpt-4o":           0.0075,
	"openai:gpt-4":            0.03,
	"openai:gpt-4-turbo":      0.01,
	"gemini:gemini-1.5-flash": 0.0003,
	"gemini:gemini-1.5-pro":   0.005,
}

// defaultCostPer1K applies to selections missing from the table.
const defaultCostPer1K = 0.002

// NewTracer constructs a Tracer for one run.
func NewTracer(opts Options) *Tracer {
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
	return &Tracer{
		gen:     opts.Generator,
		emitter: opts.Emitter,
		agg:     opts.Aggregator,
		log:     logger,
		metrics: metrics,
		userID:  opts.UserID,
		brand:   opts.Brand,
		runID:   opts.RunID,
		now:     now,
	}
}

// Generate invokes the wrapped Generator and records one usage event for the
// call. Errors from the Generator propagate unchanged; no event is recorded
// for a failed call.
func (t *Tracer) Generate(ctx context.Context, messages []model.Message, opts model.CallOptions) (model.Result, error) {
	start := t.now()
	result, err := t.gen.Generate(ctx, messages, opts)
	latency := t.now().Sub(start)
	if err != nil {
		t.metrics.IncCounter("model_calls_failed", 1, "provider", opts.Provider, "model", opts.Model)
		return result, err
	}

	prompt, completion, estimated := tokenCounts(result)
	event := Event{
		Timestamp:        start,
		UserID:           t.userID,
		Brand:            t.brand,
		RunID:            t.runID,
		Provider:         opts.Provider,
		Model:            opts.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          Cost(opts.Provider, opts.Model, prompt+completion),
		LatencyMS:        latency.Milliseconds(),
		Estimated:        estimated,
	}

	t.metrics.RecordTimer("model_call_latency", latency, "provider", opts.Provider, "model", opts.Model)
	t.metrics.IncCounter("model_tokens", float64(prompt+completion), "provider", opts.Provider, "model", opts.Model)

	if t.emitter != nil {
		if emitErr := t.emitter.EmitUsage(ctx, event); emitErr != nil {
			t.log.Error(ctx, "usage event emit failed", "run", t.runID, "err", emitErr)
		}
	}
	t.mu.Lock()
	t.buffer = append(t.buffer, event)
	t.mu.Unlock()
	return result, nil
}

// Flush groups buffered events by (date, user, brand) and applies one atomic
// increment per group. The buffer is drained even when increments fail; the
// failure is logged and the tokens are not retried (aggregates are metering;
// the per-call event stream is the billing source of truth).
func (t *Tracer) Flush(ctx context.Context) {
	if t.agg == nil {
		return
	}
	t.mu.Lock()
	events := t.buffer
	t.buffer = nil
	t.mu.Unlock()
	if len(events) == 0 {
		return
	}

	type totals struct {
		tokens int
		cost   float64
	}
	groups := make(map[aggKey]*totals)
	for _, event := range events {
		key := aggKey{
			date:   event.Timestamp.UTC().Format("2006-01-02"),
			userID: event.UserID,
			brand:  event.Brand,
		}
		g, ok := groups[key]
		if !ok {
			g = &totals{}
			groups[key] = g
		}
		g.tokens += event.PromptTokens + event.CompletionTokens
		g.cost += event.CostUSD
	}
	for key, g := range groups {
		if err := t.agg.IncrementDaily(ctx, key.date, key.userID, key.brand, g.tokens, g.cost); err != nil {
			t.log.Error(ctx, "usage aggregate increment failed",
				"date", key.date, "user", key.userID, "brand", key.brand, "err", err)
		}
	}
}

// Buffered returns the number of events awaiting Flush.
func (t *Tracer) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Cost computes the USD cost for a token count against the rate table.
func Cost(provider, model string, tokens int) float64 {
	rate, ok := costPer1K[provider+":"+model]
	if !ok {
		rate = defaultCostPer1K
	}
	return float64(tokens) / 1000 * rate
}

// EstimateTokens approximates the token count of text. One token per four
// characters is the last-resort heuristic for providers that report nothing.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// tokenCounts extracts reported usage or estimates it from the completion
// text: completion from the text, prompt assumed at twice the completion.
func tokenCounts(result model.Result) (prompt, completion int, estimated bool) {
	if result.Usage.Known {
		return result.Usage.PromptTokens, result.Usage.CompletionTokens, false
	}
	completion = EstimateTokens(result.Text)
	return 2 * completion, completion, true
}
