package work

import (
	"context"
	"sync"
	"time"
)

// Throttle enforces a minimum interval between calls sharing a key. Calls
// are spaced by reserving the next free slot, so concurrent callers queue up
// in arrival order instead of bursting.
type Throttle struct {
	interval time.Duration
	next     map[string]time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottle creates a throttle with the given minimum interval per key.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		next:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Wait blocks until the caller may proceed for key, or ctx is done.
func (t *Throttle) Wait(ctx context.Context, key string) error {
	delay := t.reserve(key)
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

// reserve claims the next slot for key and returns how long to wait for it
func (t *Throttle) reserve(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	slot := now
	if next, ok := t.next[key]; ok && next.After(now) {
		slot = next
	}
	t.next[key] = slot.Add(t.interval)
	return slot.Sub(now)
}
