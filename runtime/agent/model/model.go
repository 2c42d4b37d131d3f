// Package model defines the provider-agnostic contract the engine uses to
// invoke language models. It deliberately exposes a single blocking call so
// orchestration code never couples to provider SDKs; adapters under
// features/model translate Request/Result to provider-specific formats.
package model

import (
	"context"
	"errors"
)

type (
	// Generator is the opaque model-invocation capability. Implementations
	// wrap provider SDKs and must be safe for concurrent use across runs.
	Generator interface {
		// Generate sends the ordered message history to the model and returns
		// the generated text. Usage metadata is optional; callers must
		// tolerate a zero Usage and estimate instead.
		Generate(ctx context.Context, messages []Message, opts CallOptions) (Result, error)
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of "system", "user" or "assistant".
		Role string
		// Content is the message text.
		Content string
	}

	// CallOptions carries the per-call parameters resolved from policy.
	CallOptions struct {
		// Provider identifies the model provider (e.g. "openai", "gemini").
		Provider string
		// Model is the provider-specific model identifier.
		Model string
		// Temperature controls sampling temperature.
		Temperature float64
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
	}

	// Result wraps the generated text and optional usage metadata.
	Result struct {
		// Text is the generated completion.
		Text string
		// Usage reports token consumption when the provider supplies it.
		// Check Usage.Known before trusting the counts.
		Usage TokenUsage
	}

	// TokenUsage reports token counts for one invocation.
	TokenUsage struct {
		// PromptTokens counts tokens in the input messages.
		PromptTokens int
		// CompletionTokens counts generated tokens.
		CompletionTokens int
		// Known is true when the provider reported the counts. False means
		// the counts are absent and must be estimated.
		Known bool
	}

	// Func adapts a plain function to the Generator interface. Useful for
	// tests and middleware composition.
	Func func(ctx context.Context, messages []Message, opts CallOptions) (Result, error)
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyPrompt is returned by adapters when no messages are supplied.
var ErrEmptyPrompt = errors.New("model: no messages supplied")

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	return f(ctx, messages, opts)
}

// Total returns the combined prompt and completion token count.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}
