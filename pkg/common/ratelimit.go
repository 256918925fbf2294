// Package common holds small shared utilities with no domain dependencies.
package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a thread-safe token-bucket limiter whose limits can be
// adjusted at runtime, e.g. when a downstream service advertises new quotas.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst capacity.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the limiter permits an event or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits replaces the requests-per-second and burst settings.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
