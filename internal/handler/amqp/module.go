package amqp

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/rt-gateway-service/config"
	pubsubadapter "github.com/webitel/rt-gateway-service/internal/adapter/pubsub"
	infrapubsub "github.com/webitel/rt-gateway-service/infra/pubsub"
	"github.com/webitel/rt-gateway-service/internal/router"
	"go.uber.org/fx"
)

// GatewayEventsExchange carries everything this service publishes:
// routed messages for the persistence pipeline and poison messages.
const GatewayEventsExchange = "rt_gateway.events"

// Module assembles the full broker stack. Include it only when the
// broker is configured; Disabled below covers the other case.
var Module = fx.Module("amqp-handler",
	fx.Provide(
		func(cfg *config.Config, wlog watermill.LoggerAdapter) *infrapubsub.Provider {
			return infrapubsub.NewProvider(cfg.AMQP.URL, wlog)
		},

		pubsubadapter.NewPublisherProvider,
		pubsubadapter.NewSubscriberProvider,

		func(pp *pubsubadapter.PublisherProvider, logger *slog.Logger) (pubsubadapter.EventDispatcher, error) {
			pub, err := pp.Build(GatewayEventsExchange)
			if err != nil {
				return nil, err
			}
			return pubsubadapter.NewEventDispatcher(pub, logger), nil
		},
		func(d pubsubadapter.EventDispatcher) router.EventStore { return d },

		NewNoticeHandler,
		NewWatermillRouter,
	),

	fx.Invoke(RegisterHandlers),
)

// Disabled satisfies the event store contract without a broker. Routed
// messages are acknowledged locally and dropped.
var Disabled = fx.Module("amqp-disabled",
	fx.Provide(
		func(logger *slog.Logger) router.EventStore {
			return &pubsubadapter.NoopDispatcher{Logger: logger}
		},
	),
)
