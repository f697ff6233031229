// Package ratelimit provides token bucket rate limiting for the HTTP API.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow returns true if the request should proceed, false if it is
	// rate limited. An error indicates the limiter itself failed; callers
	// fail open on errors.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases limiter resources.
	Close() error
}

// NoopLimiter allows every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(_ context.Context, _ string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
