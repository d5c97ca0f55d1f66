package service

import (
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"github.com/webitel/rt-gateway-service/internal/presence"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewGatewayService,
			fx.As(new(Gatewayer)),
		),
	),

	// [TEARDOWN_WIRING] Every retirement of a bound connection flows into
	// the presence tracker: synthetic typing-stops first, then the
	// grace-windowed presence leg.
	fx.Invoke(func(hub *registry.Hub, tracker *presence.Tracker) {
		hub.SetEvictHook(func(tenantID, userID string, rooms []string) {
			tracker.DropConnection(tenantID, userID, rooms)
		})
	}),
)
