// Package guard gates connection acceptance and individual inbound events
// against rate limits and identity checks before anything reaches the
// event router.
package guard

import (
	"context"
	"time"
)

// Decision is the outcome of one counter-store consume.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the shared counter store consulted synchronously before
// admitting. Implementations must provide atomic increment-with-expiry so
// concurrent events from the same user across connections and processes
// see one consistent budget.
type Limiter interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}
