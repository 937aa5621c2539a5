package core

// run_limiter.go bounds migration runs started in the background.
//
// The limiter is a semaphore: runs triggered over HTTP take a slot and
// release it when they finish. When all slots are occupied, Acquire waits
// up to maxWait before failing with ErrTooManyRuns. WaitForDrain blocks
// shutdown until every background run has returned.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyRuns is returned when all run slots are occupied.
var ErrTooManyRuns = errors.New("too many concurrent runs, please try again later")

// DefaultMaxConcurrentRuns is the default limit for background runs.
const DefaultMaxConcurrentRuns = 2

// DefaultRunWait is how long Acquire waits for a slot.
const DefaultRunWait = 5 * time.Second

// RunLimiter controls concurrent background runs using a semaphore.
type RunLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewRunLimiter creates a limiter that allows at most maxConcurrent runs.
func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultRunWait
	}

	return &RunLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire waits for a run slot. The caller MUST call Release when the run
// completes.
func (l *RunLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyRuns
	}
}

// TryAcquire takes a slot without blocking.
func (l *RunLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running background runs.
func (l *RunLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until all background runs complete or ctx is done.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunLimiterStatus is a snapshot of the limiter.
type RunLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Status returns the current limiter state for monitoring.
func (l *RunLimiter) Status() RunLimiterStatus {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return RunLimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
