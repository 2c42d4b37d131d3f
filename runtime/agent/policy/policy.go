// Package policy resolves the model configuration for a run by cascading
// global, brand and user policy documents and then enforcing hard limits
// (blocklist substitution, allowlist downgrade, daily-usage exhaustion).
package policy

import (
	"fmt"
	"strings"
)

type (
	// Limits carries the numeric limits a policy document may set. Zero
	// means unset; merged limits take the more restrictive value per key.
	Limits struct {
		// DailyTokens caps a caller's total tokens per UTC day.
		DailyTokens int `json:"daily_tokens,omitempty" yaml:"daily_tokens,omitempty" bson:"daily_tokens,omitempty"`
		// MaxContext caps the context window the engine may request.
		MaxContext int `json:"max_context,omitempty" yaml:"max_context,omitempty" bson:"max_context,omitempty"`
		// RateLimitRPM caps model requests per minute.
		RateLimitRPM int `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty" bson:"rate_limit_rpm,omitempty"`
	}

	// Document is one layer of the policy cascade. Scalar fields override
	// lower layers when set; Limits merge restrictively; Blocklist
	// accumulates; a non-empty Allowlist replaces the inherited one.
	Document struct {
		// Provider selects the model provider when non-empty.
		Provider string `json:"provider,omitempty" yaml:"provider,omitempty" bson:"provider,omitempty"`
		// Model selects the model when non-empty.
		Model string `json:"model,omitempty" yaml:"model,omitempty" bson:"model,omitempty"`
		// Temperature overrides sampling temperature when set.
		Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" bson:"temperature,omitempty"`
		// MaxTokens overrides the completion cap when set.
		MaxTokens *int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" bson:"max_tokens,omitempty"`
		// Tier labels the service tier when non-empty.
		Tier string `json:"tier,omitempty" yaml:"tier,omitempty" bson:"tier,omitempty"`
		// Limits tighten numeric limits.
		Limits Limits `json:"limits,omitempty" yaml:"limits,omitempty" bson:"limits,omitempty"`
		// Allowlist restricts selections to "provider:model" pairs.
		Allowlist []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty" bson:"allowlist,omitempty"`
		// Blocklist forbids "provider:model" pairs.
		Blocklist []string `json:"blocklist,omitempty" yaml:"blocklist,omitempty" bson:"blocklist,omitempty"`
	}

	// Resolved is the final model configuration for one (user, brand) pair.
	// After enforcement the selection is never in Blocklist and is in
	// Allowlist whenever that list is non-empty.
	Resolved struct {
		Provider     string   `json:"provider" bson:"provider"`
		Model        string   `json:"model" bson:"model"`
		Temperature  float64  `json:"temperature" bson:"temperature"`
		MaxTokens    int      `json:"max_tokens" bson:"max_tokens"`
		Tier         string   `json:"tier" bson:"tier"`
		Limits       Limits   `json:"limits" bson:"limits"`
		Allowlist    []string `json:"allowlist,omitempty" bson:"allowlist,omitempty"`
		Blocklist    []string `json:"blocklist,omitempty" bson:"blocklist,omitempty"`
		CascadeLevel string   `json:"cascade_level" bson:"cascade_level"`
	}
)

// Cascade levels, most specific last.
const (
	LevelDefault = "default"
	LevelGlobal  = "global"
	LevelBrand   = "brand"
	LevelUser    = "user"
)

// Tiers stamped by enforcement.
const (
	TierBlockedFallback = "blocked_fallback"
	TierDowngraded      = "downgraded"
	TierLimitExceeded   = "limit_exceeded"
)

// Scope keys used when loading documents.
const (
	ScopeGlobal      = "global"
	ScopeBrandPrefix = "brand:"
	ScopeUserPrefix  = "user:"
)

// Selection returns the "provider:model" pair.
func (r Resolved) Selection() string {
	return r.Provider + ":" + r.Model
}

// ParseSelection splits a "provider:model" pair.
func ParseSelection(pair string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(pair, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("policy: malformed selection %q", pair)
	}
	return provider, model, nil
}

// apply folds one document layer into the resolved policy.
func (r *Resolved) apply(doc Document, level string) {
	if doc.Provider != "" {
		r.Provider = doc.Provider
	}
	if doc.Model != "" {
		r.Model = doc.Model
	}
	if doc.Temperature != nil {
		r.Temperature = *doc.Temperature
	}
	if doc.MaxTokens != nil {
		r.MaxTokens = *doc.MaxTokens
	}
	if doc.Tier != "" {
		r.Tier = doc.Tier
	}
	r.Limits = restrict(r.Limits, doc.Limits)
	r.Blocklist = union(r.Blocklist, doc.Blocklist)
	if len(doc.Allowlist) > 0 {
		r.Allowlist = append([]string(nil), doc.Allowlist...)
	}
	r.CascadeLevel = level
}

// restrict merges limits taking the more restrictive (minimum) value per key.
func restrict(base, layer Limits) Limits {
	return Limits{
		DailyTokens:  minSet(base.DailyTokens, layer.DailyTokens),
		MaxContext:   minSet(base.MaxContext, layer.MaxContext),
		RateLimitRPM: minSet(base.RateLimitRPM, layer.RateLimitRPM),
	}
}

// minSet returns the smaller of two limits, treating zero as unset.
func minSet(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case b < a:
		return b
	default:
		return a
	}
}

// union appends entries of b not already in a, preserving order.
func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, entry := range a {
		seen[entry] = struct{}{}
	}
	out := append([]string(nil), a...)
	for _, entry := range b {
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func contains(list []string, entry string) bool {
	for _, candidate := range list {
		if candidate == entry {
			return true
		}
	}
	return false
}
