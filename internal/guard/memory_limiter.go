package guard

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the in-process sliding window for single-node
// deployments and tests. Same window semantics as the Redis store, but
// budgets are per process.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Consume(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[key]
	// Prune entries outside the window in place.
	live := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= limit {
		l.windows[key] = live
		return Decision{
			RetryAfter: live[0].Add(window).Sub(now),
		}, nil
	}

	l.windows[key] = append(live, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(live) - 1,
	}, nil
}
