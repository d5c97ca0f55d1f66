package presence

import (
	"context"
	"log/slog"

	"github.com/webitel/rt-gateway-service/config"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("presence",
	fx.Provide(
		func(hub registry.Hubber, cfg *config.Config, logger *slog.Logger) *Tracker {
			return NewTracker(hub, logger, cfg.Presence.OfflineGrace, cfg.Presence.TypingTTL)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, t *Tracker) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				t.Stop()
				return nil
			},
		})
	}),
)
