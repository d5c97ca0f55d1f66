package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/rt-gateway-service/internal/domain/model"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	"github.com/webitel/rt-gateway-service/internal/guard"
)

// [GATEWAY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (WS/LP)
type Gatewayer interface {
	Connect(ctx context.Context, credential string, meta registry.ConnectMetadata) (registry.Connector, error)
	Disconnect(conn registry.Connector)
	Release(conn registry.Connector)
}

// GatewayService owns the connection lifecycle orchestration: admission,
// registration, handshake, and the single teardown funnel.
type GatewayService struct {
	hub    registry.Hubber
	guard  *guard.Guard
	logger *slog.Logger
}

func NewGatewayService(hub registry.Hubber, g *guard.Guard, logger *slog.Logger) *GatewayService {
	return &GatewayService{
		hub:    hub,
		guard:  g,
		logger: logger,
	}
}

// Connect runs the connect-time admission checkpoint and, only on success,
// creates the registry entry. A rejected attempt leaves no trace.
func (s *GatewayService) Connect(ctx context.Context, credential string, meta registry.ConnectMetadata) (registry.Connector, error) {
	identity, err := s.guard.Admit(ctx, credential, meta.RemoteIP)
	if err != nil {
		return nil, err
	}

	conn, err := s.hub.Register(ctx, identity, meta)
	if err != nil {
		return nil, err
	}

	s.logger.Info("connection accepted",
		slog.String("conn_id", conn.GetID().String()),
		slog.String("user_id", identity.UserID),
		slog.String("transport", meta.Transport),
	)

	// [HANDSHAKE] First event on the wire confirms the session.
	welcome := model.NewEvent(model.KindConnected, "", "", model.SystemSender, &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		ServerVersion: model.ServerVersion,
	})
	conn.Send(welcome, time.Second)

	return conn, nil
}

// Disconnect funnels every teardown through Unregister, which is
// idempotent: the transport-close path and an eviction may race here
// harmlessly. Presence and typing cleanup hang off the hub's evict hook.
// Disconnect retires the connection. The connector stays valid until the
// transport hands it back through Release, so write pumps can still drain
// the goodbye frame after this returns.
func (s *GatewayService) Disconnect(conn registry.Connector) {
	if conn == nil {
		return
	}
	id := conn.GetID()
	s.hub.Unregister(id)
	s.logger.Info("connection closed", slog.String("conn_id", id.String()))
}

// Release returns the connector to the pool. Callers must not touch the
// connector afterwards.
func (s *GatewayService) Release(conn registry.Connector) {
	if conn == nil {
		return
	}
	s.hub.Release(conn)
}
