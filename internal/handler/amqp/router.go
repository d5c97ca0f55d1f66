package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/adapter/pubsub"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"go.uber.org/fx"
)

const (
	// ------------------- EXCHANGES (SOURCES) -------------------
	SystemEventsExchange = "im_system.events"

	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicSystemNotice = "im_system.#.notice.v1"

	// ------------------- QUEUES (CONSUMERS) --------------------
	GatewayProcessorQueue = "rt-gateway.incoming-processor.v1"
	GatewayPoisonTopic    = "rt-gateway.incoming-processor.v1.poison"
)

type NoticeHandler struct {
	hub        registry.Hubber
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
}

func NewNoticeHandler(hub registry.Hubber, logger *slog.Logger, dispatcher pubsub.EventDispatcher) *NoticeHandler {
	return &NoticeHandler{hub, logger, dispatcher}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, logger)
}

// [REGISTRATION_PIPELINE]
func (h *NoticeHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), GatewayPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name     string
		exchange string
		topic    string
		handler  message.NoPublishHandlerFunc
	}{
		{"ON_SYS_NOTICE", SystemEventsExchange, TopicSystemNotice, Bind(h, h.OnSystemNoticeV1)},
	}

	for _, c := range configs {
		instanceID := uuid.NewString()[:8]
		// [UNIQUE_HANDLER_QUEUE]
		// Every node consumes its own queue so notices reach each instance
		// holding connections for the tenant.
		handlerQueue := fmt.Sprintf("%s.%s.%s", GatewayProcessorQueue, instanceID, c.name)

		sub, err := subProvider.Build(handlerQueue, c.exchange)
		if err != nil {
			return err
		}

		router.AddNoPublisherHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "queue", GatewayProcessorQueue)
	return nil
}

// RegisterHandlers wires the consumer pipeline into the fx lifecycle and
// runs the watermill router for the lifetime of the process.
func RegisterHandlers(lc fx.Lifecycle, h *NoticeHandler, router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	if err := h.RegisterHandlers(router, subProvider); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				errCh <- router.Run(runCtx)
			}()
			select {
			case err := <-errCh:
				return err
			case <-router.Running():
				return nil
			}
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return router.Close()
		},
	})

	return nil
}
