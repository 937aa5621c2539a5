package core

// ratelimit.go paces outbound API calls across all workers.
//
// The gate keeps a single nextAllowed timestamp. Each caller reserves the
// next slot under the mutex, advances nextAllowed by one interval stretched
// by a random jitter fraction, releases the mutex, and only then sleeps until its slot.
// No lock is held while waiting, so callers serialize on slot assignment
// only.

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// RateGate throttles callers to a configured rate shared by all goroutines.
type RateGate struct {
	interval time.Duration
	jitter   float64

	mu          sync.Mutex
	nextAllowed time.Time

	now    func() time.Time
	random func() float64
}

// NewRateGate creates a gate allowing requestsPerSecond calls per second.
// jitter is the fraction of the interval randomized per slot, in [0, 1).
func NewRateGate(requestsPerSecond, jitter float64) *RateGate {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	return &RateGate{
		interval: time.Duration(float64(time.Second) / requestsPerSecond),
		jitter:   jitter,
		now:      time.Now,
		random:   rand.Float64,
	}
}

// Interval returns the nominal spacing between calls.
func (g *RateGate) Interval() time.Duration {
	return g.interval
}

// Wait blocks until the caller's slot arrives or ctx is done.
func (g *RateGate) Wait(ctx context.Context) error {
	delay := g.reserve()
	rateGateWait.Observe(delay.Seconds())
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve claims the next slot and returns how long to wait for it.
func (g *RateGate) reserve() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	slot := g.nextAllowed
	if slot.Before(now) {
		slot = now
	}
	g.nextAllowed = slot.Add(g.step())
	return slot.Sub(now)
}

// step returns the interval stretched by up to jitter. Jitter only ever
// lengthens the spacing, so the configured rate is an upper bound.
func (g *RateGate) step() time.Duration {
	if g.jitter == 0 {
		return g.interval
	}
	return time.Duration(float64(g.interval) * (1 + g.jitter*g.random()))
}
