// Package ratelimit spaces outbound requests to the upstream API.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCallsPerSecond is the upstream request rate used when none is configured
const DefaultCallsPerSecond = 2.0

// Limiter enforces a minimum spacing between acquisitions.
// It is safe for concurrent use; concurrent callers are served one at a time.
type Limiter struct {
	limiter *rate.Limiter
	spacing time.Duration
}

// New creates a Limiter allowing callsPerSecond acquisitions per second.
// A non-positive rate falls back to DefaultCallsPerSecond.
func New(callsPerSecond float64) *Limiter {
	if callsPerSecond <= 0 {
		callsPerSecond = DefaultCallsPerSecond
	}
	// Burst 1: no two acquisitions closer than the spacing.
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), 1),
		spacing: time.Duration(float64(time.Second) / callsPerSecond),
	}
}

// Acquire blocks until the caller may issue a request or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Spacing is the minimum time between two acquisitions
func (l *Limiter) Spacing() time.Duration {
	return l.spacing
}
