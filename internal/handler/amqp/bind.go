package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, tenantID string, payload *T) (*model.Event, error)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic, handling Panic Recovery,
// Locality, and Fan-out.
func Bind[T any](h *NoticeHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [IDENTIFICATION]
		// Extract the tenant scope from metadata or the routing key.
		tenantID, ok := resolveTenantID(msg)
		if !ok {
			h.logger.Warn("ROUTING_FAILED: tenant_missing", "msg_id", msg.UUID)
			return nil // ACK: Invalid routing is a terminal state.
		}

		// [LOCALITY_FILTER]
		// Distributed scaling: process only if the tenant has at least one
		// live connection on THIS node.
		if !h.hub.IsTenantActive(tenantID) {
			return nil // ACK: Handled by another instance.
		}

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [EXECUTION]
		ev, err := fn(msg.Context(), tenantID, payload)
		if err != nil {
			h.logger.Warn("HANDLER_FAILED",
				"err", err,
				"msg_id", msg.UUID,
				"trace_id", TraceIDFromContext(msg.Context()),
				"tenant_id", tenantID)
			return err // NACK: Business failure triggers Retry policy.
		}

		if ev == nil {
			return nil
		}

		// [FAN_OUT_DISPATCH]
		// Room-scoped events hit one room cell; the rest fan out to every
		// live connection of the tenant.
		if ev.RoomID != "" {
			h.hub.BroadcastRoom(ev.TenantID, ev.RoomID, ev, uuid.Nil)
		} else {
			h.hub.BroadcastTenant(ev.TenantID, ev, uuid.Nil)
		}

		return nil
	}
}

func resolveTenantID(msg *message.Message) (string, bool) {
	if tid := msg.Metadata.Get("tenant_id"); tid != "" {
		return tid, true
	}

	rk := msg.Metadata.Get("x-routing-key")
	if rk == "" {
		rk = msg.Metadata.Get("routing_key")
	}

	// Convention: {source}.{tenant}.{...}.v1
	parts := strings.Split(rk, ".")
	if len(parts) >= 2 && parts[1] != "" && parts[1] != "#" && parts[1] != "*" {
		return parts[1], true
	}
	return "", false
}
