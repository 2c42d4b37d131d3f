package policy

import (
	"context"
	"sync"
	"time"

	"goa.design/maestro/runtime/agent/telemetry"
)

type (
	// Store loads policy documents by scope ("global", "brand:<brand>",
	// "user:<user_id>"). A missing document is not an error.
	Store interface {
		LoadDocument(ctx context.Context, scope string) (Document, bool, error)
	}

	// UsageReader reports a caller's measured token usage for a UTC day.
	// Implemented by the usage aggregate stores.
	UsageReader interface {
		DailyTokens(ctx context.Context, date, userID, brand string) (int, error)
	}

	// Options configures a Resolver.
	Options struct {
		// Store loads policy documents. Nil resolves pure defaults.
		Store Store
		// Usage backs the daily-token enforcement. Nil skips it.
		Usage UsageReader
		// Logger receives load failures. Defaults to the noop logger.
		Logger telemetry.Logger
		// CacheTTL is the resolution cache lifetime. Defaults to 300s.
		CacheTTL time.Duration
		// Clock overrides the time source. Tests use it to step the TTL.
		Clock func() time.Time
	}

	// Resolver cascades policy documents and enforces hard limits. Results
	// are cached per (user, brand, enforce) with a TTL; when the TTL lapses
	// the whole cache is cleared rather than expiring entries one by one.
	// The cache is read-mostly and a momentarily stale read is acceptable.
	Resolver struct {
		store Store
		usage UsageReader
		log   telemetry.Logger
		ttl   time.Duration
		now   func() time.Time

		mu      sync.Mutex
		cache   map[cacheKey]Resolved
		goodFor time.Time
	}

	cacheKey struct {
		userID  string
		brand   string
		enforce bool
	}
)

// DefaultCacheTTL is the resolution cache lifetime when unconfigured.
const DefaultCacheTTL = 300 * time.Second

// Defaults returns the base policy before any document layer applies.
func Defaults() Resolved {
	return Resolved{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   2048,
		Tier:        "standard",
		Limits: Limits{
			DailyTokens:  1_000_000,
			MaxContext:   128_000,
			RateLimitRPM: 60,
		},
		CascadeLevel: LevelDefault,
	}
}

// Fallback returns the fixed low-cost selection forced by enforcement.
func Fallback() (provider, model string) {
	return "gemini", "gemini-1.5-flash"
}

// NewResolver constructs a Resolver.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store: opts.Store,
		usage: opts.Usage,
		log:   logger,
		ttl:   ttl,
		now:   now,
		cache: make(map[cacheKey]Resolved),
	}
}

// Resolve produces the model configuration for a (user, brand) pair.
// Document-load and usage-read failures are logged and the affected layer or
// check is skipped, so resolution always yields a usable policy and callers
// never see a storage error at prepare time.
func (r *Resolver) Resolve(ctx context.Context, userID, brand string, enforceLimits bool) Resolved {
	key := cacheKey{userID: userID, brand: brand, enforce: enforceLimits}
	now := r.now()

	r.mu.Lock()
	if now.Before(r.goodFor) {
		if cached, ok := r.cache[key]; ok {
			r.mu.Unlock()
			return cached
		}
	} else {
		r.cache = make(map[cacheKey]Resolved)
		r.goodFor = now.Add(r.ttl)
	}
	r.mu.Unlock()

	resolved := r.cascade(ctx, userID, brand)
	if enforceLimits {
		resolved = r.enforce(ctx, resolved, userID, brand)
	}

	r.mu.Lock()
	r.cache[key] = resolved
	r.mu.Unlock()
	return resolved
}

// ClearCache drops every cached resolution immediately.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]Resolved)
	r.goodFor = time.Time{}
}

// cascade folds the global, brand and user layers over the defaults.
func (r *Resolver) cascade(ctx context.Context, userID, brand string) Resolved {
	resolved := Defaults()
	if r.store == nil {
		return resolved
	}
	layers := []struct {
		scope string
		level string
	}{
		{scope: ScopeGlobal, level: LevelGlobal},
		{scope: ScopeBrandPrefix + brand, level: LevelBrand},
		{scope: ScopeUserPrefix + userID, level: LevelUser},
	}
	for _, layer := range layers {
		if layer.level == LevelBrand && brand == "" {
			continue
		}
		if layer.level == LevelUser && userID == "" {
			continue
		}
		doc, ok, err := r.store.LoadDocument(ctx, layer.scope)
		if err != nil {
			r.log.Error(ctx, "policy document load failed", "scope", layer.scope, "err", err)
			continue
		}
		if !ok {
			continue
		}
		resolved.apply(doc, layer.level)
	}
	return resolved
}

// enforce applies the hard limits to a cascaded policy: blocklisted
// selections are replaced by the fallback, off-allowlist selections are
// downgraded to the first allowlisted entry, and callers over their daily
// token limit are forced onto the fallback.
func (r *Resolver) enforce(ctx context.Context, resolved Resolved, userID, brand string) Resolved {
	if contains(resolved.Blocklist, resolved.Selection()) {
		resolved.Provider, resolved.Model = Fallback()
		resolved.Tier = TierBlockedFallback
	}
	if len(resolved.Allowlist) > 0 && !contains(resolved.Allowlist, resolved.Selection()) {
		provider, model, err := ParseSelection(resolved.Allowlist[0])
		if err != nil {
			r.log.Warn(ctx, "malformed allowlist entry", "entry", resolved.Allowlist[0], "err", err)
		} else {
			resolved.Provider, resolved.Model = provider, model
			resolved.Tier = TierDowngraded
		}
	}
	if r.usage != nil && resolved.Limits.DailyTokens > 0 {
		date := r.now().UTC().Format("2006-01-02")
		used, err := r.usage.DailyTokens(ctx, date, userID, brand)
		if err != nil {
			r.log.Error(ctx, "daily usage read failed", "user", userID, "brand", brand, "err", err)
		} else if used >= resolved.Limits.DailyTokens {
			resolved.Provider, resolved.Model = Fallback()
			resolved.Tier = TierLimitExceeded
		}
	}
	return resolved
}
