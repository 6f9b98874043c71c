package scraper

import (
	"context"
	"sync"
	"time"
)

// BackoffPolicy pauses dispatch for a cooldown when the recent stretch of
// completed units turns mostly sour, or immediately when a worker reports
// a block page. Workers call Await before taking a new unit; the pool
// records completions and blocks.
type BackoffPolicy struct {
	mu          sync.Mutex
	window      []bool // ring of recent completions, true = failure
	next        int
	filled      int
	rate        float64
	cooldown    time.Duration
	pausedUntil time.Time
	pauses      []time.Time
}

func NewBackoffPolicy(window int, rate float64, cooldown time.Duration) *BackoffPolicy {
	if window <= 0 {
		window = 10
	}
	if rate <= 0 {
		rate = 0.5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BackoffPolicy{
		window:   make([]bool, window),
		rate:     rate,
		cooldown: cooldown,
	}
}

// RecordOutcome feeds one completed unit into the failure window and
// reports whether that tripped a pause. The window has to fill before it
// can trip, so a single early failure does not stall a fresh run.
func (b *BackoffPolicy) RecordOutcome(failed bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.next] = failed
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
	if b.filled < len(b.window) {
		return false
	}

	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window)) <= b.rate {
		return false
	}

	b.pauseLocked(time.Now())
	// Start a fresh window so the same bad stretch cannot re-trip the
	// moment the cooldown ends.
	b.filled = 0
	b.next = 0
	return true
}

// RecordBlock forces a pause regardless of the window state.
func (b *BackoffPolicy) RecordBlock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauseLocked(time.Now())
	return true
}

func (b *BackoffPolicy) pauseLocked(now time.Time) {
	until := now.Add(b.cooldown)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.pauses = append(b.pauses, now)
}

// Await blocks until dispatch is clear again or ctx ends. Pauses started
// while waiting extend the wait.
func (b *BackoffPolicy) Await(ctx context.Context) error {
	for {
		b.mu.Lock()
		remaining := time.Until(b.pausedUntil)
		b.mu.Unlock()

		if remaining <= 0 {
			return ctx.Err()
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Paused reports whether dispatch is currently held back.
func (b *BackoffPolicy) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.pausedUntil)
}

// Pauses returns the times dispatch was paused, oldest first.
func (b *BackoffPolicy) Pauses() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]time.Time, len(b.pauses))
	copy(out, b.pauses)
	return out
}
