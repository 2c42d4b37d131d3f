// Package middleware provides model.Generator decorators shared by the
// provider adapters. The rate limiter throttles outbound completion calls to
// honor per-policy requests-per-minute limits.
package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"goa.design/maestro/runtime/agent/model"
)

// RateLimiter throttles generator calls to a fixed requests-per-minute rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing rpm requests per minute with a
// burst of one. Non-positive values fall back to 60 requests per minute.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	interval := rate.Limit(float64(rpm) / 60.0)
	return &RateLimiter{limiter: rate.NewLimiter(interval, 1)}
}

// Middleware wraps a generator so every call waits for limiter capacity.
// The wait respects context cancellation and run deadlines.
func (r *RateLimiter) Middleware() func(model.Generator) model.Generator {
	return func(next model.Generator) model.Generator {
		return model.Func(func(ctx context.Context, messages []model.Message, opts model.CallOptions) (model.Result, error) {
			if err := r.limiter.Wait(ctx); err != nil {
				return model.Result{}, fmt.Errorf("rate limit wait: %w", err)
			}
			return next.Generate(ctx, messages, opts)
		})
	}
}

// Wrap applies the limiter directly to a generator.
func (r *RateLimiter) Wrap(next model.Generator) model.Generator {
	return r.Middleware()(next)
}
