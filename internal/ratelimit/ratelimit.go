package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Jitter returns a random duration in [min, max]. Retry scheduling uses it
// so parallel workers do not hammer the site in lockstep.
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// SimpleRateLimiter spaces successive actions by a jittered delay. One
// instance belongs to one worker; Wait is not meant for concurrent callers.
type SimpleRateLimiter struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	delay := Jitter(r.minDelay, r.maxDelay)
	remaining := delay - time.Since(r.lastAction)
	r.mu.Unlock()

	if remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}

	r.mu.Lock()
	r.lastAction = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.minDelay = min
	r.maxDelay = max
}

func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

// AdaptiveRateLimiter slows down after repeated failures and cautiously
// speeds back up after a run of successes. Delays stay within
// [recoverFloor, backoffCap].
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	errorCount     int
	successCount   int
	errorThreshold int
	backoffFactor  float64
	recoverFloor   time.Duration
	backoffCap     time.Duration
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		errorThreshold:    3,
		backoffFactor:     1.5,
		recoverFloor:      time.Second,
		backoffCap:        2 * time.Minute,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		// Recovery only ever shrinks the delay; delays configured below
		// the floor stay where they are.
		if a.minDelay > a.recoverFloor {
			newMin := time.Duration(float64(a.minDelay) * 0.9)
			if newMin < a.recoverFloor {
				newMin = a.recoverFloor
			}
			a.minDelay = newMin
		}
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount < a.errorThreshold {
		return
	}

	newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
	newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)
	if newMin > a.backoffCap/2 {
		newMin = a.backoffCap / 2
	}
	if newMax > a.backoffCap {
		newMax = a.backoffCap
	}

	a.minDelay = newMin
	a.maxDelay = newMax
	a.errorCount = 0
}
