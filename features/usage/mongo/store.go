// Package mongo implements the usage Emitter, Aggregator and Reader over the
// Mongo client in clients/mongo. The same Store value serves all three
// contracts: the tracer emits and flushes through it and the policy resolver
// reads daily totals from it.
package mongo

import (
	"context"
	"errors"

	mongoc "goa.design/maestro/features/usage/mongo/clients/mongo"
	"goa.design/maestro/runtime/agent/usage"
)

// Store implements usage.Emitter, usage.Aggregator and usage.Reader.
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

// EmitUsage persists one per-call usage event.
func (s *Store) EmitUsage(ctx context.Context, event usage.Event) error {
	return s.client.InsertUsageEvent(ctx, event)
}

// IncrementDaily atomically adds to the day's aggregate for (date, user,
// brand).
func (s *Store) IncrementDaily(ctx context.Context, date, userID, brand string, tokens int, costUSD float64) error {
	return s.client.IncrementDaily(ctx, date, userID, brand, tokens, costUSD)
}

// DailyTokens reports the day's accumulated tokens for (date, user, brand).
func (s *Store) DailyTokens(ctx context.Context, date, userID, brand string) (int, error) {
	return s.client.DailyTokens(ctx, date, userID, brand)
}
