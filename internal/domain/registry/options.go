package registry

import "time"

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the per-room mailbox capacity, the [BACKPRESSURE]
// threshold of the room's serialization point.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithConnBufferSize sets the bounded outbound queue per connection.
func WithConnBufferSize(size int) Option {
	return func(h *Hub) {
		h.config.connBufferSize = size
	}
}

// WithSendTimeout sets the delivery window for one member before the
// connection is treated as a slow consumer and evicted.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithJanitorInterval configures how often the [JANITOR] process runs
// to reclaim stale empty room cells.
func WithJanitorInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.janitorInterval = d
	}
}

// WithRoomIdleTimeout defines the [QUIET_PERIOD] after which an empty
// room cell is eligible for reclamation.
func WithRoomIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.roomIdleTimeout = d
	}
}
