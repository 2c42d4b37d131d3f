package yaml

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/policy"
)

const sample = `
global:
  provider: openai
  model: gpt-4o-mini
  temperature: 0.5
  limits:
    daily_tokens: 500000
brands:
  acme:
    model: gpt-4o
    limits:
      daily_tokens: 100000
users:
  u123:
    blocklist: ["openai:gpt-4"]
`

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoadDocumentScopes(t *testing.T) {
	ctx := context.Background()
	store, err := New(Options{Path: writePolicyFile(t, sample)})
	require.NoError(t, err)

	global, found, err := store.LoadDocument(ctx, policy.ScopeGlobal)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "openai", global.Provider)
	require.NotNil(t, global.Temperature)
	require.Equal(t, 0.5, *global.Temperature)
	require.Equal(t, 500000, global.Limits.DailyTokens)

	brand, found, err := store.LoadDocument(ctx, "brand:acme")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gpt-4o", brand.Model)

	user, found, err := store.LoadDocument(ctx, "user:u123")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{"openai:gpt-4"}, user.Blocklist)

	_, found, err = store.LoadDocument(ctx, "brand:other")
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = store.LoadDocument(ctx, "tenant:zzz")
	require.Error(t, err)
}

func TestReloadPicksUpChanges(t *testing.T) {
	ctx := context.Background()
	path := writePolicyFile(t, sample)
	store, err := New(Options{Path: path})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("global:\n  model: gpt-4o\n"), 0o600))
	require.NoError(t, store.Reload())

	global, found, err := store.LoadDocument(ctx, policy.ScopeGlobal)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gpt-4o", global.Model)
	require.Empty(t, global.Provider)
}

func TestResolverIntegration(t *testing.T) {
	store, err := New(Options{Path: writePolicyFile(t, sample)})
	require.NoError(t, err)

	resolver := policy.NewResolver(policy.Options{Store: store})
	resolved := resolver.Resolve(context.Background(), "u123", "acme", false)
	require.Equal(t, "gpt-4o", resolved.Model)
	require.Equal(t, policy.LevelUser, resolved.CascadeLevel)
	require.Equal(t, 100000, resolved.Limits.DailyTokens)
	require.Contains(t, resolved.Blocklist, "openai:gpt-4")
}
