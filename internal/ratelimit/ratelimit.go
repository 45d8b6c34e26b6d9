// Package ratelimit bounds request rates per project and per client IP.
//
// The HTTP layer keys ingest and query traffic by the authenticated
// project ("project:<id>") and falls back to the client IP for operator
// keys, unauthenticated deployments, and the token exchange endpoint. The
// shipped implementation is an in-process token bucket sized by
// KIROKU_RATE_LIMIT_PER_MINUTE; multi-instance deployments can substitute
// a shared backend behind the same Limiter interface.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error means
	// the limiter itself malfunctioned; the middleware fails open on it
	// rather than blocking ingest traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (eviction goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
