package router

import (
	"log/slog"

	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"github.com/webitel/rt-gateway-service/internal/guard"
	"github.com/webitel/rt-gateway-service/internal/presence"
	"go.uber.org/fx"
)

var Module = fx.Module("router",
	fx.Provide(
		fx.Annotate(
			func(g *guard.Guard) *guard.Guard { return g },
			fx.As(new(Admitter)),
		),
		func(hub registry.Hubber, g Admitter, tracker *presence.Tracker, store EventStore, logger *slog.Logger) *Router {
			return New(hub, g, tracker, store, logger)
		},
	),
)
