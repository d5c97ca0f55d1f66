package model

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a wire event. The same names are used for inbound
// control operations and the outbound fan-out traffic they produce.
type EventKind string

const (
	// ------------------- INBOUND (CONTROL) ---------------------
	KindJoinTenant   EventKind = "join-tenant"
	KindJoinRoom     EventKind = "join-room"
	KindLeaveRoom    EventKind = "leave-room"
	KindSendMessage  EventKind = "send-message"
	KindUpdateStatus EventKind = "update-status"
	KindTypingStart  EventKind = "typing-start"
	KindTypingStop   EventKind = "typing-stop"
	KindMarkRead     EventKind = "mark-read"

	// ------------------- OUTBOUND (FAN-OUT) --------------------
	KindMessage      EventKind = "message"
	KindPresence     EventKind = "presence"
	KindTyping       EventKind = "typing"
	KindReadReceipt  EventKind = "read-receipt"
	KindSystemNotice EventKind = "system-notification"

	// ------------------- OUTBOUND (SESSION) --------------------
	KindConnected    EventKind = "connected"
	KindDisconnected EventKind = "disconnected"
	KindError        EventKind = "error"
)

// SystemSender marks server-generated events on the wire.
const SystemSender = "system"

// Event is the unit of fan-out traffic. Events are transient: the core
// never persists them, the durable store is a fire-and-forget collaborator.
type Event struct {
	ID        string
	Kind      EventKind
	TenantID  string
	RoomID    string // empty for tenant-wide events
	SenderID  string // originating user, or SystemSender
	Payload   any
	Timestamp time.Time

	// cached holds the wire form computed by a marshaller so that one
	// event delivered to N members is encoded exactly once.
	cached atomic.Value
}

// NewEvent stamps identity and dispatch time. Client-supplied values for
// these fields are never trusted; the router overwrites them here.
func NewEvent(kind EventKind, tenantID, roomID, senderID string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		TenantID:  tenantID,
		RoomID:    roomID,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// CachedWire returns the previously stored wire encoding, if any.
func (e *Event) CachedWire() ([]byte, bool) {
	if v := e.cached.Load(); v != nil {
		if b, ok := v.([]byte); ok {
			return b, true
		}
	}
	return nil, false
}

// SetCachedWire stores the wire encoding for subsequent deliveries.
func (e *Event) SetCachedWire(b []byte) { e.cached.Store(b) }
