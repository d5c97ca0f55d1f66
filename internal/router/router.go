// Package router is the single inbound dispatch point: every client event
// enters through Handle, gets classified, validated and stamped, and only
// then reaches the tracker and the broadcaster.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"github.com/webitel/rt-gateway-service/internal/presence"
)

// EventStore is the durable store collaborator, fire-and-forget: invoked
// after a successful message broadcast, never on the broadcast path.
type EventStore interface {
	Persist(ctx context.Context, ev *model.Event) error
}

// Admitter is the per-event checkpoint surface of the admission guard.
type Admitter interface {
	AllowEvent(ctx context.Context, userID string, kind model.EventKind) error
}

const maxMessageContent = 4096

type Router struct {
	hub     registry.Hubber
	guard   Admitter
	tracker *presence.Tracker
	store   EventStore // nil when no durable store is configured
	logger  *slog.Logger

	// ackTimeout bounds direct-to-sender replies (acks, errors); these
	// never go through a room cell.
	ackTimeout time.Duration
}

func New(hub registry.Hubber, g Admitter, tracker *presence.Tracker, store EventStore, logger *slog.Logger) *Router {
	return &Router{
		hub:        hub,
		guard:      g,
		tracker:    tracker,
		store:      store,
		logger:     logger,
		ackTimeout: 500 * time.Millisecond,
	}
}

// Handle processes one inbound frame from the connection's read task.
// All rejections are reported to the originating connection only; nothing
// here is fatal to the connection except an unknown id.
func (r *Router) Handle(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := r.hub.Connection(connID)
	if !ok {
		// Frame raced the unregister; nothing to reply to.
		r.logger.Debug("frame from retired connection", slog.String("conn_id", connID.String()))
		return
	}
	r.hub.Touch(connID)

	in := &model.InboundEvent{}
	if err := json.Unmarshal(raw, in); err != nil {
		r.reject(conn, model.ErrInvalidEvent, "malformed envelope")
		return
	}

	// [STATE_GATE] Only the authenticate operation is accepted while the
	// tenant scope is unbound.
	tenantID := conn.TenantID()
	if tenantID == "" && in.Kind != model.KindJoinTenant {
		r.reject(conn, model.ErrUnauthenticated, "join-tenant required first")
		return
	}

	// [ADMISSION] Per-event budget; the event is dropped, never queued.
	if err := r.guard.AllowEvent(ctx, conn.Identity().UserID, in.Kind); err != nil {
		r.reject(conn, err, "budget exceeded")
		return
	}

	switch in.Kind {
	case model.KindJoinTenant:
		r.onJoinTenant(conn, in)
	case model.KindJoinRoom:
		r.onJoinRoom(conn, in)
	case model.KindLeaveRoom:
		r.onLeaveRoom(conn, tenantID, in)
	case model.KindSendMessage:
		r.onSendMessage(ctx, conn, tenantID, in)
	case model.KindUpdateStatus:
		r.onUpdateStatus(conn, tenantID, in)
	case model.KindTypingStart, model.KindTypingStop:
		r.onTyping(conn, tenantID, in)
	case model.KindMarkRead:
		r.onMarkRead(conn, tenantID, in)
	default:
		r.reject(conn, model.ErrInvalidEvent, "unknown kind")
	}
}

func (r *Router) onJoinTenant(conn registry.Connector, in *model.InboundEvent) {
	if conn.TenantID() != "" {
		r.reject(conn, model.ErrInvalidEvent, "tenant scope already bound")
		return
	}

	requested := in.TenantID
	if requested == "" {
		var p struct {
			TenantID string `json:"tenantId"`
		}
		_ = json.Unmarshal(in.Payload, &p)
		requested = p.TenantID
	}
	if requested == "" {
		r.reject(conn, model.ErrInvalidEvent, "tenantId required")
		return
	}

	identity := conn.Identity()
	// Guests may scope themselves anywhere anonymous access is enabled;
	// token holders are pinned to their claim.
	if !identity.Guest && requested != identity.TenantID {
		r.reject(conn, model.ErrTenantMismatch, "tenant outside token scope")
		return
	}

	if err := r.hub.BindIdentity(conn.GetID(), requested, identity.UserID); err != nil {
		r.reject(conn, err, "bind failed")
		return
	}

	r.tracker.ConnectionUp(requested, identity.UserID, conn.GetID())
	r.ack(conn, model.KindJoinTenant, "")
}

func (r *Router) onJoinRoom(conn registry.Connector, in *model.InboundEvent) {
	if in.RoomID == "" {
		r.reject(conn, model.ErrInvalidEvent, "roomId required")
		return
	}
	if err := r.hub.Join(conn.GetID(), in.RoomID); err != nil {
		r.reject(conn, err, "join failed")
		return
	}
	r.ack(conn, model.KindJoinRoom, in.RoomID)
}

func (r *Router) onLeaveRoom(conn registry.Connector, tenantID string, in *model.InboundEvent) {
	if in.RoomID == "" {
		r.reject(conn, model.ErrInvalidEvent, "roomId required")
		return
	}
	// Leaving clears any typing flag the user held in that room.
	r.tracker.TypingStop(tenantID, in.RoomID, conn.Identity().UserID, conn.GetID())
	r.hub.Leave(conn.GetID(), in.RoomID)
	r.ack(conn, model.KindLeaveRoom, in.RoomID)
}

func (r *Router) onSendMessage(ctx context.Context, conn registry.Connector, tenantID string, in *model.InboundEvent) {
	if in.RoomID == "" {
		r.reject(conn, model.ErrInvalidEvent, "roomId required")
		return
	}
	if !r.hub.IsMember(conn.GetID(), in.RoomID) {
		r.reject(conn, model.ErrInvalidEvent, "not a room member")
		return
	}
	if !conn.Identity().Can("send-message") {
		r.reject(conn, model.ErrUnauthorized, "missing send-message grant")
		return
	}

	var p model.MessagePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil || p.Content == "" {
		r.reject(conn, model.ErrInvalidEvent, "content required")
		return
	}
	if len(p.Content) > maxMessageContent {
		r.reject(conn, model.ErrInvalidEvent, "content too long")
		return
	}

	userID := conn.Identity().UserID
	p.MessageID = uuid.NewString()

	// Side effects first, then the fan-out leg: a message implies the
	// sender stopped typing.
	r.tracker.TypingStop(tenantID, in.RoomID, userID, conn.GetID())

	ev := model.NewEvent(model.KindMessage, tenantID, in.RoomID, userID, &p)

	// [SENDER_INCLUSION] Message events reach the sender too; the echo is
	// the client's delivery confirmation.
	if !r.hub.BroadcastRoom(tenantID, in.RoomID, ev, uuid.Nil) {
		r.logger.Warn("room mailbox overflow, message dropped",
			slog.String("tenant_id", tenantID),
			slog.String("room_id", in.RoomID),
			slog.String("event_id", ev.ID),
		)
		r.reject(conn, model.ErrDeliveryFailure, "room congested")
		return
	}

	// [FIRE_AND_FORGET] Durable storage is a side effect, never a
	// dependency of the broadcast path.
	if r.store != nil {
		go func() {
			if err := r.store.Persist(context.WithoutCancel(ctx), ev); err != nil {
				r.logger.Error("persist failed",
					slog.String("event_id", ev.ID),
					slog.Any("err", err),
				)
			}
		}()
	}
}

func (r *Router) onUpdateStatus(conn registry.Connector, tenantID string, in *model.InboundEvent) {
	var p struct {
		Status model.PresenceStatus `json:"status"`
	}
	if err := json.Unmarshal(in.Payload, &p); err != nil || !p.Status.Valid() {
		r.reject(conn, model.ErrInvalidEvent, "status must be online or away")
		return
	}
	r.tracker.SetStatus(tenantID, conn.Identity().UserID, p.Status, conn.GetID())
}

func (r *Router) onTyping(conn registry.Connector, tenantID string, in *model.InboundEvent) {
	if in.RoomID == "" {
		r.reject(conn, model.ErrInvalidEvent, "roomId required")
		return
	}
	if !r.hub.IsMember(conn.GetID(), in.RoomID) {
		r.reject(conn, model.ErrInvalidEvent, "not a room member")
		return
	}

	userID := conn.Identity().UserID
	if in.Kind == model.KindTypingStart {
		r.tracker.TypingStart(tenantID, in.RoomID, userID, conn.GetID())
	} else {
		r.tracker.TypingStop(tenantID, in.RoomID, userID, conn.GetID())
	}
}

func (r *Router) onMarkRead(conn registry.Connector, tenantID string, in *model.InboundEvent) {
	if in.RoomID == "" {
		r.reject(conn, model.ErrInvalidEvent, "roomId required")
		return
	}
	if !r.hub.IsMember(conn.GetID(), in.RoomID) {
		r.reject(conn, model.ErrInvalidEvent, "not a room member")
		return
	}

	var p model.ReadReceiptPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil || p.MessageID == "" {
		r.reject(conn, model.ErrInvalidEvent, "messageId required")
		return
	}

	ev := model.NewEvent(model.KindReadReceipt, tenantID, in.RoomID, conn.Identity().UserID, &p)
	r.hub.BroadcastRoom(tenantID, in.RoomID, ev, conn.GetID())
}

// ack confirms a control operation back to the originating connection only.
func (r *Router) ack(conn registry.Connector, kind model.EventKind, roomID string) {
	ev := model.NewEvent(kind, conn.TenantID(), roomID, model.SystemSender, &model.AckPayload{
		Ok:     true,
		RoomID: roomID,
	})
	conn.Send(ev, r.ackTimeout)
}

// reject reports a per-event failure to the sender. Never broadcast,
// never fatal to the connection.
func (r *Router) reject(conn registry.Connector, err error, msg string) {
	payload := &model.ErrorPayload{
		Code:    model.ErrorCode(err),
		Message: msg,
	}

	var rl *model.RateLimitError
	if errors.As(err, &rl) {
		payload.RetryAfterMs = rl.RetryAfter.Milliseconds()
		if payload.RetryAfterMs <= 0 {
			payload.RetryAfterMs = 1000
		}
	}

	ev := model.NewEvent(model.KindError, conn.TenantID(), "", model.SystemSender, payload)
	conn.Send(ev, r.ackTimeout)

	r.logger.Debug("event rejected",
		slog.String("conn_id", conn.GetID().String()),
		slog.String("code", payload.Code),
		slog.String("reason", msg),
	)
}
