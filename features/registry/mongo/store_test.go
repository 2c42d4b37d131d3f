package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/runtime/agent/policy"
	"goa.design/maestro/runtime/agent/registry"
)

type fakeClient struct {
	agents   map[string]registry.Definition
	policies map[string]policy.Document
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		agents:   make(map[string]registry.Definition),
		policies: make(map[string]policy.Document),
	}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) SaveAgent(_ context.Context, def registry.Definition) error {
	f.agents[def.Name] = def
	return nil
}

func (f *fakeClient) DeleteAgent(_ context.Context, name string) error {
	delete(f.agents, name)
	return nil
}

func (f *fakeClient) LoadAgents(context.Context) ([]registry.Definition, error) {
	var defs []registry.Definition
	for _, def := range f.agents {
		defs = append(defs, def)
	}
	return defs, nil
}

func (f *fakeClient) SavePolicyDocument(_ context.Context, scope string, doc policy.Document) error {
	f.policies[scope] = doc
	return nil
}

func (f *fakeClient) LoadPolicyDocument(_ context.Context, scope string) (policy.Document, bool, error) {
	doc, ok := f.policies[scope]
	return doc, ok, nil
}

func TestStoreDelegation(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store, err := NewStore(client)
	require.NoError(t, err)

	require.NoError(t, store.SaveAgent(ctx, registry.Definition{Name: "research"}))
	defs, err := store.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	require.NoError(t, store.DeleteAgent(ctx, "research"))
	defs, err = store.LoadAgents(ctx)
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestPolicyStoreDelegation(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store, err := NewPolicyStore(client)
	require.NoError(t, err)

	_, found, err := store.LoadDocument(ctx, "brand:acme")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SaveDocument(ctx, "brand:acme", policy.Document{Provider: "openai", Model: "gpt-4o"}))
	doc, found, err := store.LoadDocument(ctx, "brand:acme")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gpt-4o", doc.Model)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
	_, err = NewPolicyStore(nil)
	require.Error(t, err)
}
