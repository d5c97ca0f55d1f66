package registry

import (
	"context"
	"log/slog"

	"github.com/webitel/rt-gateway-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure the Hub using Functional Options
		func(cfg *config.Config, logger *slog.Logger) *Hub {
			return NewHub(logger,
				WithMailboxSize(cfg.Hub.MailboxSize),
				WithConnBufferSize(cfg.Hub.ConnBufferSize),
				WithSendTimeout(cfg.Hub.SendTimeout),
				WithJanitorInterval(cfg.Hub.JanitorInterval),
				WithRoomIdleTimeout(cfg.Hub.RoomIdleTimeout),
			)
		},
		fx.Annotate(
			func(h *Hub) *Hub { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h *Hub) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all room cell goroutines
				return nil
			},
		})
	}),
)
