package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/webitel/rt-gateway-service/config"
	httpsrv "github.com/webitel/rt-gateway-service/infra/server/http"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"github.com/webitel/rt-gateway-service/internal/guard"
	amqphandler "github.com/webitel/rt-gateway-service/internal/handler/amqp"
	"github.com/webitel/rt-gateway-service/internal/presence"
	"github.com/webitel/rt-gateway-service/internal/router"
	"github.com/webitel/rt-gateway-service/internal/service"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config, v *viper.Viper) *fx.App {
	broker := amqphandler.Disabled
	if cfg.AMQP.Enabled {
		broker = amqphandler.Module
	}

	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideRedis,
		),
		fx.Invoke(WatchConfig(v)),
		registry.Module,
		presence.Module,
		guard.Module,
		router.Module,
		service.Module,
		httpsrv.Module,
		broker,
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvideRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// WatchConfig applies config file changes to the pieces that support hot
// reload. Today that is the admission budget table.
func WatchConfig(v *viper.Viper) func(g *guard.Guard, logger *slog.Logger) {
	return func(g *guard.Guard, logger *slog.Logger) {
		config.Watch(v, func(fresh *config.Config) {
			g.SetPolicy(guard.PolicyFromConfig(fresh))
			logger.Info("ADMISSION_POLICY_RELOADED")
		})
	}
}
