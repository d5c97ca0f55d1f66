package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// Hubber defines the gateway for connection lifecycle, membership and fan-out.
type Hubber interface {
	Register(ctx context.Context, identity model.Identity, meta ConnectMetadata) (Connector, error)
	BindIdentity(connID uuid.UUID, tenantID, userID string) error
	Join(connID uuid.UUID, roomID string) error
	Leave(connID uuid.UUID, roomID string)
	Unregister(connID uuid.UUID)
	Release(conn Connector)
	Touch(connID uuid.UUID)
	Connection(connID uuid.UUID) (Connector, bool)
	IsMember(connID uuid.UUID, roomID string) bool
	MembersOf(tenantID, roomID string) []uuid.UUID
	BroadcastRoom(tenantID, roomID string, ev *model.Event, exclude uuid.UUID) bool
	BroadcastTenant(tenantID string, ev *model.Event, exclude uuid.UUID)
	IsTenantActive(tenantID string) bool
	Stats() model.HubStats
	Shutdown()
}

// EvictFunc observes every retirement of an identity-bound connection.
// The presence tracker hangs off this hook.
type EvictFunc func(tenantID, userID string, rooms []string)

type hubConfig struct {
	mailboxSize     int
	connBufferSize  int
	sendTimeout     time.Duration
	janitorInterval time.Duration
	roomIdleTimeout time.Duration
}

// Hub implements a [SCALABLE_REGISTRY] of connections and room cells.
type Hub struct {
	// conns stores Map[uuid.UUID]*connect, rooms Map[string]*roomCell,
	// tenants Map[string]*tenantIndex. Optimized for [READ_HEAVY] workloads.
	conns   sync.Map
	rooms   sync.Map
	tenants sync.Map

	config hubConfig
	logger *slog.Logger

	// evictHook is set once at wiring time, before any traffic.
	evictHook EvictFunc

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:     1024,
			connBufferSize:  256,
			sendTimeout:     500 * time.Millisecond,
			janitorInterval: 5 * time.Minute,
			roomIdleTimeout: 15 * time.Minute,
		},
		logger:    logger,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

// SetEvictHook wires the presence teardown observer. Must be called during
// startup, before the first Register.
func (h *Hub) SetEvictHook(fn EvictFunc) { h.evictHook = fn }

// roomKey builds the tenant-scoped composite key. Rooms are never shared
// across tenants.
func roomKey(tenantID, roomID string) string {
	return tenantID + ":" + roomID
}

// Register creates the connection entry with an empty room set. A collision
// on the generated id is a fatal internal invariant violation: logged and
// the new connection rejected, the process keeps serving.
func (h *Hub) Register(ctx context.Context, identity model.Identity, meta ConnectMetadata) (Connector, error) {
	conn := newConnect(ctx, identity, meta, h.config.connBufferSize)

	if _, loaded := h.conns.LoadOrStore(conn.id, conn); loaded {
		h.logger.Error("connection id collision, rejecting",
			slog.String("conn_id", conn.id.String()),
		)
		conn.close("duplicate_connection")
		conn.release()
		return nil, fmt.Errorf("register %s: %w", conn.id, model.ErrDuplicateConnection)
	}

	return conn, nil
}

// BindIdentity attaches the tenant scope after authentication and the
// join-tenant operation both succeeded.
func (h *Hub) BindIdentity(connID uuid.UUID, tenantID, userID string) error {
	conn, ok := h.loadConnect(connID)
	if !ok {
		h.logger.Error("bind on unknown connection", slog.String("conn_id", connID.String()))
		return fmt.Errorf("bind %s: %w", connID, model.ErrUnknownConnection)
	}

	conn.bind(tenantID, userID)

	val, _ := h.tenants.LoadOrStore(tenantID, newTenantIndex())
	val.(*tenantIndex).add(conn)
	return nil
}

// Join adds the connection to the room's member set, creating the room cell
// lazily. The tenant isolation invariant is enforced here, once, and trusted
// by every subsequent broadcast.
func (h *Hub) Join(connID uuid.UUID, roomID string) error {
	conn, ok := h.loadConnect(connID)
	if !ok {
		return fmt.Errorf("join %s: %w", connID, model.ErrUnknownConnection)
	}

	tenantID := conn.TenantID()
	if tenantID == "" {
		return fmt.Errorf("join %q: %w", roomID, model.ErrUnauthenticated)
	}

	key := roomKey(tenantID, roomID)
	// [LAZY_INIT] Create the cell only when the first member arrives.
	val, _ := h.rooms.LoadOrStore(key, newRoomCell(key, h.config, h.evictFromCell, h.logger))
	cell := val.(*roomCell)
	cell.attach(conn)
	if !conn.addRoomIfOpen(roomID) {
		// Retirement won the race: its room snapshot predates this attach,
		// so the sweep cannot see the membership. Undo the attach here or
		// the cell would hold the member forever.
		if cell.detach(conn.id) {
			cell.stop()
			h.rooms.CompareAndDelete(key, cell)
		}
		return fmt.Errorf("join %s: %w", connID, model.ErrUnknownConnection)
	}
	return nil
}

// Leave removes membership; a no-op if the connection or membership is absent.
func (h *Hub) Leave(connID uuid.UUID, roomID string) {
	conn, ok := h.loadConnect(connID)
	if !ok {
		return
	}
	conn.removeRoom(roomID)
	h.detachFromRoom(conn.TenantID(), roomID, connID)
}

func (h *Hub) detachFromRoom(tenantID, roomID string, connID uuid.UUID) {
	key := roomKey(tenantID, roomID)
	val, ok := h.rooms.Load(key)
	if !ok {
		return
	}
	cell := val.(*roomCell)
	// Rooms exist only while membership is non-zero.
	if cell.detach(connID) {
		cell.stop()
		h.rooms.Delete(key)
	}
}

// Unregister removes the connection from every room it was a member of and
// deletes its metadata. Idempotent: a second call on an already-removed id
// is a no-op, not an error.
func (h *Hub) Unregister(connID uuid.UUID) {
	val, loaded := h.conns.LoadAndDelete(connID)
	if !loaded {
		return
	}
	h.retire(val.(*connect), "closed")
}

// evictFromCell is the delivery-failure path out of a room cell's loop.
func (h *Hub) evictFromCell(conn *connect, cause string) {
	if _, loaded := h.conns.LoadAndDelete(conn.id); !loaded {
		return // lost the race with an explicit Unregister
	}
	h.retire(conn, cause)
}

// retire performs [GRACEFUL_RECLAMATION]: membership, tenant index, presence
// hook, transport cancellation. The caller has already removed the conns
// map entry, which makes the whole path run exactly once per registration.
func (h *Hub) retire(conn *connect, cause string) {
	tenantID := conn.TenantID()
	userID := conn.Identity().UserID
	// Closing the room set and snapshotting it is one atomic step: any
	// join that lands after the snapshot observes the retired flag and
	// rolls its cell attach back.
	rooms := conn.retireRooms()

	for _, roomID := range rooms {
		h.detachFromRoom(tenantID, roomID, conn.id)
	}

	if tenantID != "" {
		if val, ok := h.tenants.Load(tenantID); ok {
			if val.(*tenantIndex).remove(conn.id) {
				h.tenants.Delete(tenantID)
			}
		}
	}

	conn.close(cause)

	if tenantID != "" && h.evictHook != nil {
		h.evictHook(tenantID, userID, rooms)
	}
}

// Release returns the connector to the pool. Transports call it after their
// pumps have fully unwound; no goroutine may touch the connector afterward.
func (h *Hub) Release(conn Connector) {
	if c, ok := conn.(*connect); ok {
		c.release()
	}
}

// Touch refreshes the activity clock; called on every inbound event.
func (h *Hub) Touch(connID uuid.UUID) {
	if conn, ok := h.loadConnect(connID); ok {
		conn.touch()
	}
}

func (h *Hub) Connection(connID uuid.UUID) (Connector, bool) {
	conn, ok := h.loadConnect(connID)
	if !ok {
		return nil, false
	}
	return conn, true
}

func (h *Hub) IsMember(connID uuid.UUID, roomID string) bool {
	conn, ok := h.loadConnect(connID)
	if !ok {
		return false
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	_, member := conn.rooms[roomID]
	return member
}

// MembersOf returns a lazy membership snapshot, safe to iterate while
// membership mutates.
func (h *Hub) MembersOf(tenantID, roomID string) []uuid.UUID {
	val, ok := h.rooms.Load(roomKey(tenantID, roomID))
	if !ok {
		return nil
	}
	return val.(*roomCell).memberIDs()
}

// BroadcastRoom routes the event through the room's serialization point.
// Returns false on room miss or mailbox overflow.
func (h *Hub) BroadcastRoom(tenantID, roomID string, ev *model.Event, exclude uuid.UUID) bool {
	val, ok := h.rooms.Load(roomKey(tenantID, roomID))
	if !ok {
		return false
	}
	return val.(*roomCell).push(broadcastJob{ev: ev, exclude: exclude})
}

// BroadcastTenant fans the event out to every connection bound to the
// tenant, across all rooms. Used for presence transitions, which are
// tenant-wide since contacts may span rooms.
func (h *Hub) BroadcastTenant(tenantID string, ev *model.Event, exclude uuid.UUID) {
	val, ok := h.tenants.Load(tenantID)
	if !ok {
		return
	}
	for _, conn := range val.(*tenantIndex).snapshot() {
		if conn.id == exclude {
			continue
		}
		if !conn.Send(ev, h.config.sendTimeout) {
			h.logger.Warn("tenant-wide delivery failed, evicting",
				slog.String("conn_id", conn.id.String()),
				slog.String("tenant_id", tenantID),
			)
			h.evictFromCell(conn, "slow_consumer")
		}
	}
}

// IsTenantActive reports whether this node holds any live connection for
// the tenant. The AMQP consumer uses it as its locality filter.
func (h *Hub) IsTenantActive(tenantID string) bool {
	_, ok := h.tenants.Load(tenantID)
	return ok
}

func (h *Hub) Stats() model.HubStats {
	var stats model.HubStats
	h.tenants.Range(func(_, _ any) bool { stats.TotalTenants++; return true })
	h.rooms.Range(func(_, _ any) bool { stats.TotalRooms++; return true })
	h.conns.Range(func(_, _ any) bool { stats.TotalConnections++; return true })
	stats.Uptime = time.Since(h.startedAt)
	return stats
}

// Shutdown stops all room cell goroutines and retires every connection.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})

	h.conns.Range(func(key, _ any) bool {
		h.Unregister(key.(uuid.UUID))
		return true
	})
	h.rooms.Range(func(key, val any) bool {
		val.(*roomCell).stop()
		h.rooms.Delete(key)
		return true
	})
}

func (h *Hub) loadConnect(connID uuid.UUID) (*connect, bool) {
	val, ok := h.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return val.(*connect), true
}

// janitor reclaims stale empty cells; a safety net behind the
// empty-on-leave teardown.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.rooms.Range(func(key, val any) bool {
				cell := val.(*roomCell)
				if cell.isIdle(h.config.roomIdleTimeout) {
					cell.stop()
					h.rooms.Delete(key)
				}
				return true
			})
		}
	}
}

// tenantIndex tracks every identity-bound connection of one tenant.
type tenantIndex struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*connect
}

func newTenantIndex() *tenantIndex {
	return &tenantIndex{conns: make(map[uuid.UUID]*connect)}
}

func (t *tenantIndex) add(conn *connect) {
	t.mu.Lock()
	t.conns[conn.id] = conn
	t.mu.Unlock()
}

// remove reports whether the index is now empty.
func (t *tenantIndex) remove(connID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
	return len(t.conns) == 0
}

func (t *tenantIndex) snapshot() []*connect {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]*connect, 0, len(t.conns))
	for _, conn := range t.conns {
		res = append(res, conn)
	}
	return res
}
