package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
	wsmarshaller "github.com/webitel/rt-gateway-service/internal/handler/marshaller/ws"
)

// EventDispatcher is the outgoing side of the broker integration. Routed
// messages flow through Persist so the persistence pipeline can store
// them; Publisher exposes the raw publisher for poison-queue wiring.
type EventDispatcher interface {
	Persist(ctx context.Context, ev *model.Event) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewEventDispatcher(pub message.Publisher, logger *slog.Logger) EventDispatcher {
	return &eventDispatcher{
		publisher: pub,
		logger:    logger,
	}
}

func (d *eventDispatcher) Persist(ctx context.Context, ev *model.Event) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := wsmarshaller.MarshallEvent(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("tenant_id", ev.TenantID)

	topic := RoutingKey(ev)
	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}

	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}

// RoutingKey derives the broker topic for an outbound event:
// rt_gateway.v1.{tenant}.{room}.{kind}.created.
func RoutingKey(ev *model.Event) string {
	room := ev.RoomID
	if room == "" {
		room = "_"
	}
	return fmt.Sprintf("rt_gateway.v1.%s.%s.%s.created", ev.TenantID, room, string(ev.Kind))
}

// NoopDispatcher satisfies the store collaborator contract when the
// broker is disabled; events stay in-memory and a debug line records the
// skip.
type NoopDispatcher struct {
	Logger *slog.Logger
}

func (n *NoopDispatcher) Persist(_ context.Context, ev *model.Event) error {
	if n.Logger != nil {
		n.Logger.Debug("PERSIST_SKIPPED: broker disabled", "event_id", ev.ID, "kind", string(ev.Kind))
	}
	return nil
}
