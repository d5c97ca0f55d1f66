package guard

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/rt-gateway-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("guard",
	fx.Provide(
		// Counter store selection: the shared Redis window for multi-node
		// consistency, or the in-process window for single-node setups.
		func(cfg *config.Config, client *redis.Client, logger *slog.Logger) Limiter {
			if cfg.Limits.Store == "memory" {
				return NewMemoryLimiter()
			}
			return NewRedisLimiter(client, "rtgw:rl:", logger)
		},

		fx.Annotate(
			func(cfg *config.Config) (*JWTVerifier, error) {
				return NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenCacheSize)
			},
			fx.As(new(TokenVerifier)),
		),

		func(verifier TokenVerifier, limiter Limiter, cfg *config.Config) *Guard {
			return NewGuard(verifier, limiter, PolicyFromConfig(cfg), cfg.Auth.AllowAnonymous)
		},
	),

	// [DECORATION_LAYER] Intercept the verifier to add cross-cutting concerns
	fx.Decorate(func(orig TokenVerifier, logger *slog.Logger) TokenVerifier {
		return &VerifierMiddleware{
			Next:   orig,
			Logger: logger,
		}
	}),
)

// PolicyFromConfig maps the configured budget table onto guard rules.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		ConnPerIP:       Rule{Limit: cfg.Limits.ConnPerIP.Budget, Window: cfg.Limits.ConnPerIP.Window},
		EventsPerUser:   Rule{Limit: cfg.Limits.EventsPerUser.Budget, Window: cfg.Limits.EventsPerUser.Window},
		MessagesPerUser: Rule{Limit: cfg.Limits.MessagesPerUser.Budget, Window: cfg.Limits.MessagesPerUser.Window},
	}
}
