/*
Package registry is the single source of truth for live connections and
room/tenant membership, and the fan-out engine built on top of it.

Key Architectural Concepts:
  - Room Cells: every active room is an isolated actor owning its member
    set and a mailbox goroutine. The mailbox is the single serialization
    point per room: events accepted for a room are delivered to all
    members in acceptance order, while unrelated rooms proceed fully in
    parallel. There is no global lock.
  - Snapshot delivery: a broadcast observes the membership at dispatch
    time. Joiners after the snapshot do not receive the event; leavers
    already in the snapshot still do.
  - Decoupling & Backpressure: each connection carries a bounded outbound
    queue. A member that cannot accept an event within the delivery window
    is evicted (unregistered) so a stalled consumer never blocks the room.
  - Arena + index: connections are keyed by opaque id, rooms by the
    tenant-scoped composite key; no object holds a direct reference to
    another outside the registry's own maps.
*/
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// broadcastJob pairs an event with its sender-exclusion policy.
type broadcastJob struct {
	ev      *model.Event
	exclude uuid.UUID // uuid.Nil delivers to all members, sender included
}

// roomCell implements [ISOLATED_DELIVERY] for a single tenant-scoped room.
type roomCell struct {
	// key is "tenantID:roomID". Rooms never cross tenants; the key makes
	// collisions between tenants structurally impossible.
	key string

	// [MAILBOX]
	// Buffered channel that is both the per-room ordering point and the
	// shock absorber between producers (router goroutines) and delivery.
	mailbox chan broadcastJob

	// [MEMBERS]
	// Registry of member connections. RWMutex because delivery snapshots
	// outnumber membership mutations.
	members map[uuid.UUID]*connect
	mu      sync.RWMutex

	// [LIFECYCLE_CONTROL]
	doneCh   chan struct{}
	stopOnce sync.Once

	lastActivityAt time.Time

	sendTimeout time.Duration
	evict       func(c *connect, cause string)
	logger      *slog.Logger
}

func newRoomCell(key string, cfg hubConfig, evict func(*connect, string), logger *slog.Logger) *roomCell {
	c := &roomCell{
		key:            key,
		mailbox:        make(chan broadcastJob, cfg.mailboxSize),
		members:        make(map[uuid.UUID]*connect),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
		sendTimeout:    cfg.sendTimeout,
		evict:          evict,
		logger:         logger.With(slog.String("room_key", key)),
	}
	go c.loop()
	return c
}

func (c *roomCell) attach(conn *connect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.members[conn.id] = conn
}

// detach removes the member and reports whether the room is now empty.
func (c *roomCell) detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, connID)
	c.lastActivityAt = time.Now()
	return len(c.members) == 0
}

func (c *roomCell) memberIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]uuid.UUID, 0, len(c.members))
	for id := range c.members {
		res = append(res, id)
	}
	return res
}

func (c *roomCell) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// push enqueues a broadcast. Returns false on mailbox overflow; the event
// is dropped, never queued elsewhere, and the caller reports the failure.
//
// The event timestamp is assigned here, under the cell lock, so stamping
// and enqueueing are atomic: timestamps follow acceptance order and the
// mailbox preserves that order through delivery. After push returns the
// event is immutable and safe to hand to other goroutines.
func (c *roomCell) push(job broadcastJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()

	select {
	case <-c.doneCh:
		return false
	default:
	}

	job.ev.Timestamp = time.Now()
	select {
	case c.mailbox <- job:
		return true
	default:
		return false
	}
}

// isIdle reports a room with no members and no recent traffic; the janitor
// reclaims such cells as a safety net behind the empty-on-leave teardown.
func (c *roomCell) isIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *roomCell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case job := <-c.mailbox:
			c.deliver(job)
		}
	}
}

// deliver fans one event out to the membership snapshot, at most once per
// member. An individual member failure never aborts the remaining
// deliveries: the failed member is evicted and the loop continues.
func (c *roomCell) deliver(job broadcastJob) {
	c.mu.RLock()
	snapshot := make([]*connect, 0, len(c.members))
	for _, conn := range c.members {
		if conn.id == job.exclude {
			continue
		}
		snapshot = append(snapshot, conn)
	}
	c.mu.RUnlock()

	for _, conn := range snapshot {
		if conn.Send(job.ev, c.sendTimeout) {
			continue
		}
		c.logger.Warn("member delivery failed, evicting slow consumer",
			slog.String("conn_id", conn.id.String()),
			slog.String("event_id", job.ev.ID),
		)
		c.evict(conn, "slow_consumer")
	}
}

func (c *roomCell) stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
