package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/model"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (e *captureEmitter) EmitUsage(_ context.Context, event Event) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

type captureAggregator struct {
	mu         sync.Mutex
	increments map[string]int
	costs      map[string]float64
	err        error
}

func newCaptureAggregator() *captureAggregator {
	return &captureAggregator{increments: make(map[string]int), costs: make(map[string]float64)}
}

func (a *captureAggregator) IncrementDaily(_ context.Context, date, userID, brand string, tokens int, cost float64) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := date + "/" + userID + "/" + brand
	a.increments[key] += tokens
	a.costs[key] += cost
	return nil
}

func echoGenerator(text string, usage model.TokenUsage) model.Generator {
	return model.Func(func(context.Context, []model.Message, model.CallOptions) (model.Result, error) {
		return model.Result{Text: text, Usage: usage}, nil
	})
}

func TestGenerateUsesReportedUsage(t *testing.T) {
	emitter := &captureEmitter{}
	tracer := NewTracer(Options{
		Generator: echoGenerator("ok", model.TokenUsage{PromptTokens: 100, CompletionTokens: 40, Known: true}),
		Emitter:   emitter,
		RunID:     "r1",
	})
	_, err := tracer.Generate(context.Background(), nil, model.CallOptions{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)
	event := emitter.events[0]
	require.Equal(t, 100, event.PromptTokens)
	require.Equal(t, 40, event.CompletionTokens)
	require.False(t, event.Estimated)
	require.InDelta(t, 140.0/1000*0.0006, event.CostUSD, 1e-9)
}

func TestGenerateEstimatesWhenUsageAbsent(t *testing.T) {
	emitter := &captureEmitter{}
	text := "twelve chars" // 12 chars -> 3 completion tokens
	tracer := NewTracer(Options{Generator: echoGenerator(text, model.TokenUsage{}), Emitter: emitter})
	_, err := tracer.Generate(context.Background(), nil, model.CallOptions{Provider: "x", Model: "y"})
	require.NoError(t, err)
	event := emitter.events[0]
	require.True(t, event.Estimated)
	require.Equal(t, 3, event.CompletionTokens)
	require.Equal(t, 6, event.PromptTokens)
}

func TestGenerateEmitFailureDoesNotFailCall(t *testing.T) {
	tracer := NewTracer(Options{
		Generator: echoGenerator("ok", model.TokenUsage{}),
		Emitter:   &captureEmitter{err: errors.New("store down")},
	})
	result, err := tracer.Generate(context.Background(), nil, model.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Text)
	require.Equal(t, 1, tracer.Buffered())
}

func TestGenerateErrorRecordsNoEvent(t *testing.T) {
	gen := model.Func(func(context.Context, []model.Message, model.CallOptions) (model.Result, error) {
		return model.Result{}, errors.New("provider down")
	})
	emitter := &captureEmitter{}
	tracer := NewTracer(Options{Generator: gen, Emitter: emitter})
	_, err := tracer.Generate(context.Background(), nil, model.CallOptions{})
	require.Error(t, err)
	require.Empty(t, emitter.events)
	require.Zero(t, tracer.Buffered())
}

func TestFlushGroupsByDateUserBrand(t *testing.T) {
	agg := newCaptureAggregator()
	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tracer := NewTracer(Options{
		Generator:  echoGenerator("ok!!", model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, Known: true}),
		Aggregator: agg,
		UserID:     "u1",
		Brand:      "acme",
		Clock:      func() time.Time { return current },
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tracer.Generate(ctx, nil, model.CallOptions{Provider: "openai", Model: "gpt-4"})
		require.NoError(t, err)
	}
	tracer.Flush(ctx)
	require.Equal(t, 45, agg.increments["2026-08-30/u1/acme"])
	require.Zero(t, tracer.Buffered())

	// Second flush with an empty buffer is a no-op.
	tracer.Flush(ctx)
	require.Equal(t, 45, agg.increments["2026-08-30/u1/acme"])
}

func TestFlushConcurrentTracersSameAggregator(t *testing.T) {
	agg := newCaptureAggregator()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracer := NewTracer(Options{
				Generator:  echoGenerator("ok", model.TokenUsage{PromptTokens: 2, CompletionTokens: 1, Known: true}),
				Aggregator: agg,
				UserID:     "u1",
			})
			_, err := tracer.Generate(ctx, nil, model.CallOptions{})
			require.NoError(t, err)
			tracer.Flush(ctx)
		}()
	}
	wg.Wait()
	total := 0
	for _, tokens := range agg.increments {
		total += tokens
	}
	require.Equal(t, 24, total)
}

func TestCostFallsBackToDefaultRate(t *testing.T) {
	require.InDelta(t, 1000.0/1000*0.002, Cost("unknown", "model", 1000), 1e-9)
	require.InDelta(t, 1000.0/1000*0.03, Cost("openai", "gpt-4", 1000), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	require.Zero(t, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("abc"))
	require.Equal(t, 3, EstimateTokens("twelve chars"))
}
