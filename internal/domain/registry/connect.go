package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (SERVICE/ROUTER/TRANSPORT)
// This allows mocking and decoupling from the concrete implementation
type Connector interface {
	GetID() uuid.UUID
	Identity() model.Identity
	TenantID() string // bound tenant scope, empty until join-tenant
	Rooms() []string
	Send(ev *model.Event, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan *model.Event
	Done() <-chan struct{} // closed when the registry retires the connection
	CloseReason() string
}

// [METADATA] EXPORTED FOR TRANSPORT AND ANALYTICS LAYERS
type ConnectMetadata struct {
	Transport string // "ws", "lp"
	RemoteIP  string
	UserAgent string
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id        uuid.UUID
	metadata  ConnectMetadata
	createdAt time.Time

	// mu guards identity binding and room membership bookkeeping.
	// The tenant scope is written once by BindIdentity and read on every
	// join/broadcast, so RWMutex fits the read-heavy profile.
	mu       sync.RWMutex
	identity model.Identity
	tenantID string
	rooms    map[string]struct{}
	retired  bool // set under mu by the retirement sweep; gates addRoomIfOpen

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh      chan *model.Event
	closeOnce   sync.Once // [PROTECTION]
	releaseOnce sync.Once
	closeReason atomic.Value

	lastActivityAt int64  // [ATOMIC_FIELD]
	droppedCount   uint64 // [ATOMIC_FIELD]
}

// [POOL] SYNC.POOL FOR OBJECT REUSE (REDUCES GC PRESSURE)
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func newConnect(ctx context.Context, identity model.Identity, meta ConnectMetadata, bufferSize int) *connect {
	c := connectPool.Get().(*connect)
	c.reset(ctx, identity, meta, bufferSize)
	return c
}

// reset re-initializes the connector's internal state using a struct literal.
// This is the cleanest way to wipe stale data from pooled objects and reset
// the sync.Once guard.
func (c *connect) reset(ctx context.Context, identity model.Identity, meta ConnectMetadata, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:             uuid.New(),
		metadata:       meta,
		createdAt:      time.Now(),
		identity:       identity,
		rooms:          make(map[string]struct{}),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan *model.Event, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

// --- IMPLEMENTATION OF CONNECTOR INTERFACE ---

func (c *connect) GetID() uuid.UUID { return c.id }

func (c *connect) Identity() model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *connect) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID
}

func (c *connect) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		res = append(res, r)
	}
	return res
}

// bind attaches the tenant scope after the join-tenant operation succeeds.
// Trusted from then on: room joins are validated against this value, not
// re-checked on every broadcast.
func (c *connect) bind(tenantID, userID string) {
	c.mu.Lock()
	c.tenantID = tenantID
	c.identity.UserID = userID
	c.mu.Unlock()
}

// addRoomIfOpen records the membership unless the connection is already
// retired. The retired check and the map write share one critical section
// with retireRooms, so a concurrent retirement either sees the new room in
// its snapshot or forces the caller to undo its cell attach. Without that
// pairing a join racing retirement could strand the member in the cell.
func (c *connect) addRoomIfOpen(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// retireRooms closes the membership set for good and returns the final
// snapshot. Rooms can no longer be added once it returns.
func (c *connect) retireRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = true
	res := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		res = append(res, r)
	}
	return res
}

func (c *connect) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *connect) touch() {
	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
}

// Send attempts to push an event into the outbound queue.
//
// [RESOURCE_MANAGEMENT] A localized timeout enforces a strict delivery
// window so that the room cell is not held hostage by a single stalled
// session. A false return is a DeliveryFailure: the caller drops the
// connection rather than blocking the broadcaster or buffering unbounded.
func (c *connect) Send(ev *model.Event, timeout time.Duration) bool {
	select {
	// [LIFECYCLE_GATE] Immediately abort if the transport is already dead.
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	default:
	}

	// Queue saturated: wait up to the delivery window for space. This
	// smooths out transient jitter without letting a slow consumer
	// propagate latency back to the room cell.
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-t.C:
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}
}

func (c *connect) Recv() <-chan *model.Event { return c.sendCh }

// Done signals the transport write pump that the registry retired this
// connection. The send channel itself is never closed: room cells may
// still be mid-Send when retirement happens, and a close here would
// panic them. Cancellation is the only teardown signal.
func (c *connect) Done() <-chan struct{} { return c.ctx.Done() }

func (c *connect) CloseReason() string {
	if v := c.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// close terminates the session and recycles the object. Only the registry
// calls it, exactly once per registration, via Unregister.
func (c *connect) close(reason string) {
	// [IDEMPOTENCY_SHIELD]
	// Ensures the teardown logic runs exactly once even when Unregister
	// races an eviction from a room cell.
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)

		// [SIGNAL_ABORT] Cancel the context: pending Sends unblock with
		// false, the transport write pump observes Done and exits.
		c.cancelFn()

		// The object is NOT returned to the pool here: transport handlers
		// still hold the Connector until their pumps unwind. Reclamation
		// happens in release, invoked by the registry after the transport
		// confirms teardown.
	})
}

// release returns the sanitized structure to the pool. Must only be called
// once no goroutine can touch the connector again.
func (c *connect) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.rooms = nil
		c.metadata = ConnectMetadata{}
		c.identity = model.Identity{}
		c.tenantID = ""
		c.mu.Unlock()
		connectPool.Put(c)
	})
}
