// Package ratelimit provides per-endpoint HTTP rate limiting for the
// pipeline's Fetch stage, built on golang.org/x/time/rate's token
// bucket.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConfig configures a token bucket: burst size and refill rate.
type LimiterConfig struct {
	Burst      int
	RefillRate rate.Limit // tokens per second
}

// DefaultConfig is a generous default for metadata/resolve calls.
func DefaultConfig() LimiterConfig {
	return LimiterConfig{Burst: 10, RefillRate: 2}
}

// StrictConfig is used for sensitive, higher-cost operations like
// track fetches.
func StrictConfig() LimiterConfig {
	return LimiterConfig{Burst: 5, RefillRate: 1}
}

// PerEndpointLimiter lazily creates and caches one rate.Limiter per
// endpoint key (e.g. provider host), so unrelated hosts never throttle
// each other.
type PerEndpointLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   LimiterConfig
}

// NewPerEndpointLimiter creates a per-endpoint limiter using config for
// every endpoint it lazily creates.
func NewPerEndpointLimiter(config LimiterConfig) *PerEndpointLimiter {
	return &PerEndpointLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (p *PerEndpointLimiter) limiterFor(endpoint string) *rate.Limiter {
	p.mu.RLock()
	l, ok := p.limiters[endpoint]
	p.mu.RUnlock()
	if ok {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.limiters[endpoint]; ok {
		return l
	}
	l = rate.NewLimiter(p.config.RefillRate, p.config.Burst)
	p.limiters[endpoint] = l
	return l
}

// Allow reports whether a request to endpoint may proceed now,
// consuming a token if so.
func (p *PerEndpointLimiter) Allow(endpoint string) bool {
	return p.limiterFor(endpoint).Allow()
}

// Wait blocks until a token for endpoint is available or ctx is
// cancelled, observing the pipeline's cooperative cancellation
// checkpoints (spec.md §5) rather than polling.
func (p *PerEndpointLimiter) Wait(ctx context.Context, endpoint string) error {
	return p.limiterFor(endpoint).Wait(ctx)
}
