package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	docs  map[string]Document
	loads int
}

func (s *fakeStore) LoadDocument(_ context.Context, scope string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	doc, ok := s.docs[scope]
	return doc, ok, nil
}

type fakeUsage struct {
	tokens int
	err    error
}

func (u *fakeUsage) DailyTokens(context.Context, string, string, string) (int, error) {
	return u.tokens, u.err
}

func fptr(v float64) *float64 { return &v }

func TestResolveDefaultsWithoutStore(t *testing.T) {
	r := NewResolver(Options{})
	got := r.Resolve(context.Background(), "u1", "acme", false)
	require.Equal(t, "openai", got.Provider)
	require.Equal(t, "gpt-4o-mini", got.Model)
	require.Equal(t, LevelDefault, got.CascadeLevel)
}

func TestResolveBrandOverridesModel(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal:  {Provider: "openai", Model: "gpt-4o-mini"},
		"brand:acme": {Model: "gpt-4-turbo"},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "", "acme", false)
	require.Equal(t, "openai", got.Provider)
	require.Equal(t, "gpt-4-turbo", got.Model)
	require.Equal(t, LevelBrand, got.CascadeLevel)
}

func TestResolveUserLayerWins(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal:  {Model: "gpt-4o-mini", Temperature: fptr(0.2)},
		"brand:acme": {Model: "gpt-4-turbo"},
		"user:u1":    {Model: "o3-mini", Temperature: fptr(0.9)},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "u1", "acme", false)
	require.Equal(t, "o3-mini", got.Model)
	require.Equal(t, 0.9, got.Temperature)
	require.Equal(t, LevelUser, got.CascadeLevel)
}

func TestResolveLimitsMergeRestrictively(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal:  {Limits: Limits{DailyTokens: 500_000, RateLimitRPM: 120}},
		"brand:acme": {Limits: Limits{DailyTokens: 750_000, RateLimitRPM: 30}},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "", "acme", false)
	require.Equal(t, 500_000, got.Limits.DailyTokens)
	require.Equal(t, 30, got.Limits.RateLimitRPM)
	require.Equal(t, 128_000, got.Limits.MaxContext)
}

func TestResolveBlocklistAccumulatesAllowlistReplaces(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal:  {Blocklist: []string{"openai:gpt-4"}, Allowlist: []string{"openai:gpt-4o-mini", "openai:gpt-4"}},
		"brand:acme": {Blocklist: []string{"openai:o1"}, Allowlist: []string{"openai:gpt-4o-mini"}},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "", "acme", false)
	require.ElementsMatch(t, []string{"openai:gpt-4", "openai:o1"}, got.Blocklist)
	require.Equal(t, []string{"openai:gpt-4o-mini"}, got.Allowlist)
}

func TestEnforceBlocklistForcesFallback(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal: {Provider: "openai", Model: "gpt-4", Blocklist: []string{"openai:gpt-4"}},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "u1", "acme", true)
	require.Equal(t, "gemini", got.Provider)
	require.Equal(t, "gemini-1.5-flash", got.Model)
	require.Equal(t, TierBlockedFallback, got.Tier)
	require.NotContains(t, got.Blocklist, got.Selection())
}

func TestEnforceAllowlistDowngrade(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal: {Provider: "openai", Model: "gpt-4", Allowlist: []string{"openai:gpt-4o-mini"}},
	}}
	r := NewResolver(Options{Store: store})
	got := r.Resolve(context.Background(), "u1", "acme", true)
	require.Equal(t, "openai:gpt-4o-mini", got.Selection())
	require.Equal(t, TierDowngraded, got.Tier)
}

func TestEnforceDailyLimitExceeded(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{
		ScopeGlobal: {Limits: Limits{DailyTokens: 1000}},
	}}
	r := NewResolver(Options{Store: store, Usage: &fakeUsage{tokens: 1000}})
	got := r.Resolve(context.Background(), "u1", "acme", true)
	require.Equal(t, TierLimitExceeded, got.Tier)
	require.Equal(t, "gemini", got.Provider)
}

func TestEnforceUsageReadFailureSkipsCheck(t *testing.T) {
	r := NewResolver(Options{Usage: &fakeUsage{err: errors.New("mongo down")}})
	got := r.Resolve(context.Background(), "u1", "acme", true)
	require.Equal(t, "openai", got.Provider)
	require.NotEqual(t, TierLimitExceeded, got.Tier)
}

func TestResolveCachesUntilTTL(t *testing.T) {
	current := time.Unix(0, 0)
	store := &fakeStore{docs: map[string]Document{ScopeGlobal: {Model: "gpt-4-turbo"}}}
	r := NewResolver(Options{
		Store:    store,
		CacheTTL: 300 * time.Second,
		Clock:    func() time.Time { return current },
	})
	ctx := context.Background()

	r.Resolve(ctx, "u1", "acme", false)
	first := store.loads
	r.Resolve(ctx, "u1", "acme", false)
	require.Equal(t, first, store.loads)

	// Different key misses the cache but shares the TTL window.
	r.Resolve(ctx, "u2", "acme", false)
	require.Greater(t, store.loads, first)

	current = current.Add(301 * time.Second)
	before := store.loads
	r.Resolve(ctx, "u1", "acme", false)
	require.Greater(t, store.loads, before)
}

func TestClearCacheForcesReload(t *testing.T) {
	store := &fakeStore{docs: map[string]Document{ScopeGlobal: {}}}
	r := NewResolver(Options{Store: store})
	ctx := context.Background()
	r.Resolve(ctx, "u1", "", false)
	before := store.loads
	r.ClearCache()
	r.Resolve(ctx, "u1", "", false)
	require.Greater(t, store.loads, before)
}

func TestParseSelection(t *testing.T) {
	provider, model, err := ParseSelection("openai:gpt-4o-mini")
	require.NoError(t, err)
	require.Equal(t, "openai", provider)
	require.Equal(t, "gpt-4o-mini", model)

	_, _, err = ParseSelection("not-a-pair")
	require.Error(t, err)
}
