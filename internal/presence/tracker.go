// Package presence derives ephemeral per-user state from connection and
// event activity. Nothing here is authoritative: state is reconstructed
// from live connection counts plus the client-asserted away flag, and an
// entry disappears once its user has no connections left.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// Broadcaster is the narrow fan-out surface the tracker needs. Satisfied
// by registry.Hubber.
type Broadcaster interface {
	BroadcastRoom(tenantID, roomID string, ev *model.Event, exclude uuid.UUID) bool
	BroadcastTenant(tenantID string, ev *model.Event, exclude uuid.UUID)
}

// userState is the per-(tenant,user) presence entry.
type userState struct {
	status     model.PresenceStatus
	conns      int
	lastSeenAt time.Time

	// offlineTimer delays the online→offline transition by the grace
	// window so a tab refresh never flaps a presence broadcast.
	offlineTimer *time.Timer
}

type typingFlag struct {
	timer *time.Timer
}

type Tracker struct {
	bc     Broadcaster
	logger *slog.Logger

	grace     time.Duration
	typingTTL time.Duration

	mu     sync.Mutex
	users  map[string]*userState  // tenantID:userID
	typing map[string]*typingFlag // tenantID:roomID:userID
}

func NewTracker(bc Broadcaster, logger *slog.Logger, grace, typingTTL time.Duration) *Tracker {
	return &Tracker{
		bc:        bc,
		logger:    logger,
		grace:     grace,
		typingTTL: typingTTL,
		users:     make(map[string]*userState),
		typing:    make(map[string]*typingFlag),
	}
}

func userKey(tenantID, userID string) string { return tenantID + ":" + userID }

func typingKey(tenantID, roomID, userID string) string {
	return tenantID + ":" + roomID + ":" + userID
}

// ConnectionUp records a new identity-bound connection. The first
// connection for a user transitions offline→online and broadcasts it; a
// reconnect within the grace window cancels the pending offline transition
// silently.
func (t *Tracker) ConnectionUp(tenantID, userID string, exclude uuid.UUID) {
	t.mu.Lock()
	key := userKey(tenantID, userID)
	st, ok := t.users[key]
	if !ok {
		st = &userState{status: model.PresenceOffline}
		t.users[key] = st
	}
	st.conns++
	st.lastSeenAt = time.Now()

	if st.offlineTimer != nil {
		// [FLAP_SUPPRESSION] reconnect inside the grace window
		st.offlineTimer.Stop()
		st.offlineTimer = nil
		t.mu.Unlock()
		return
	}

	wasOffline := st.status == model.PresenceOffline
	if wasOffline {
		st.status = model.PresenceOnline
	}
	t.mu.Unlock()

	if wasOffline {
		t.emitPresence(tenantID, userID, model.PresenceOnline, exclude)
	}
}

// ConnectionDown records a connection loss. The offline transition fires
// only after the grace window elapses with no reconnect.
func (t *Tracker) ConnectionDown(tenantID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := userKey(tenantID, userID)
	st, ok := t.users[key]
	if !ok {
		return
	}
	st.conns--
	st.lastSeenAt = time.Now()
	if st.conns > 0 {
		return
	}

	if st.offlineTimer != nil {
		st.offlineTimer.Stop()
	}
	st.offlineTimer = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		st, ok := t.users[key]
		if !ok || st.conns > 0 {
			t.mu.Unlock()
			return
		}
		delete(t.users, key)
		t.mu.Unlock()

		t.emitPresence(tenantID, userID, model.PresenceOffline, uuid.Nil)
	})
}

// SetStatus applies a client-asserted status (online/away). It never
// touches the connection count; away and back is purely declarative.
func (t *Tracker) SetStatus(tenantID, userID string, status model.PresenceStatus, exclude uuid.UUID) {
	t.mu.Lock()
	key := userKey(tenantID, userID)
	st, ok := t.users[key]
	if !ok || st.conns == 0 || st.status == status {
		t.mu.Unlock()
		return
	}
	st.status = status
	st.lastSeenAt = time.Now()
	t.mu.Unlock()

	t.emitPresence(tenantID, userID, status, exclude)
}

// Status reports the tracked state; offline when no entry exists.
func (t *Tracker) Status(tenantID, userID string) model.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.users[userKey(tenantID, userID)]; ok && st.conns > 0 {
		return st.status
	}
	return model.PresenceOffline
}

// TypingStart raises the ephemeral typing flag for (tenant, room, user)
// and broadcasts it, excluding the originating connection. The flag decays
// after the TTL unless refreshed.
func (t *Tracker) TypingStart(tenantID, roomID, userID string, exclude uuid.UUID) {
	key := typingKey(tenantID, roomID, userID)

	t.mu.Lock()
	flag, ok := t.typing[key]
	if ok {
		flag.timer.Reset(t.typingTTL)
		t.mu.Unlock()
		return // already broadcast; just keep the flag alive
	}
	flag = &typingFlag{}
	flag.timer = time.AfterFunc(t.typingTTL, func() {
		t.clearTyping(tenantID, roomID, userID, uuid.Nil)
	})
	t.typing[key] = flag
	t.mu.Unlock()

	t.emitTyping(tenantID, roomID, userID, true, exclude)
}

// TypingStop clears the flag and broadcasts isTyping=false. No-op when the
// flag was never raised.
func (t *Tracker) TypingStop(tenantID, roomID, userID string, exclude uuid.UUID) {
	t.clearTyping(tenantID, roomID, userID, exclude)
}

func (t *Tracker) clearTyping(tenantID, roomID, userID string, exclude uuid.UUID) {
	key := typingKey(tenantID, roomID, userID)

	t.mu.Lock()
	flag, ok := t.typing[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	flag.timer.Stop()
	delete(t.typing, key)
	t.mu.Unlock()

	t.emitTyping(tenantID, roomID, userID, false, exclude)
}

// DropConnection handles a retired connection: synthetic typing-stop for
// every room where the user had an active flag, then the presence leg.
// No typing state survives a disconnect.
func (t *Tracker) DropConnection(tenantID, userID string, rooms []string) {
	for _, roomID := range rooms {
		t.clearTyping(tenantID, roomID, userID, uuid.Nil)
	}
	t.ConnectionDown(tenantID, userID)
}

// Stop cancels all pending timers; used on shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.users {
		if st.offlineTimer != nil {
			st.offlineTimer.Stop()
		}
	}
	for _, flag := range t.typing {
		flag.timer.Stop()
	}
	t.users = make(map[string]*userState)
	t.typing = make(map[string]*typingFlag)
}

// emitPresence broadcasts tenant-wide: contacts may span rooms, so
// presence is never room-scoped.
func (t *Tracker) emitPresence(tenantID, userID string, status model.PresenceStatus, exclude uuid.UUID) {
	ev := model.NewEvent(model.KindPresence, tenantID, "", userID, &model.PresencePayload{
		UserID:     userID,
		Status:     status,
		LastSeenAt: time.Now().UnixMilli(),
	})
	t.bc.BroadcastTenant(tenantID, ev, exclude)

	t.logger.Debug("presence transition",
		slog.String("tenant_id", tenantID),
		slog.String("user_id", userID),
		slog.String("status", string(status)),
	)
}

func (t *Tracker) emitTyping(tenantID, roomID, userID string, isTyping bool, exclude uuid.UUID) {
	ev := model.NewEvent(model.KindTyping, tenantID, roomID, userID, &model.TypingPayload{
		UserID:   userID,
		IsTyping: isTyping,
	})
	t.bc.BroadcastRoom(tenantID, roomID, ev, exclude)
}
