// Package mongo implements registry.Store and policy.Store over the Mongo
// client in clients/mongo.
package mongo

import (
	"context"
	"errors"

	mongoc "goa.design/maestro/features/registry/mongo/clients/mongo"
	"goa.design/maestro/runtime/agent/policy"
	"goa.design/maestro/runtime/agent/registry"
)

// Store implements registry.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// SaveAgent persists one agent definition keyed by name.
func (s *Store) SaveAgent(ctx context.Context, def registry.Definition) error {
	return s.client.SaveAgent(ctx, def)
}

// DeleteAgent removes one agent definition.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	return s.client.DeleteAgent(ctx, name)
}

// LoadAgents returns every stored agent definition.
func (s *Store) LoadAgents(ctx context.Context) ([]registry.Definition, error) {
	return s.client.LoadAgents(ctx)
}

// PolicyStore implements policy.Store over the same client.
type PolicyStore struct {
	client mongoc.Client
}

// NewPolicyStore builds a PolicyStore using the provided client.
func NewPolicyStore(client mongoc.Client) (*PolicyStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &PolicyStore{client: client}, nil
}

// LoadDocument returns the policy document for one scope. A missing document
// is reported through the boolean, not an error.
func (p *PolicyStore) LoadDocument(ctx context.Context, scope string) (policy.Document, bool, error) {
	return p.client.LoadPolicyDocument(ctx, scope)
}

// SaveDocument persists the policy document for one scope.
func (p *PolicyStore) SaveDocument(ctx context.Context, scope string, doc policy.Document) error {
	return p.client.SavePolicyDocument(ctx, scope, doc)
}
