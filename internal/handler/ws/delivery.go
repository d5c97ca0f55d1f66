package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	wsmarshaller "github.com/webitel/rt-gateway-service/internal/handler/marshaller/ws"
	"github.com/webitel/rt-gateway-service/internal/router"
	"github.com/webitel/rt-gateway-service/internal/service"
	"golang.org/x/sync/errgroup"
)

const (
	maxFrameSize = 64 << 10
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

type WSHandler struct {
	logger   *slog.Logger
	gateway  service.Gatewayer
	router   *router.Router
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, gateway service.Gatewayer, r *router.Router) *WSHandler {
	return &WSHandler{
		logger:  logger,
		gateway: gateway,
		router:  r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. ADMISSION BEFORE UPGRADE
	// An Unauthorized or RateLimited outcome terminates the attempt while
	// it is still plain HTTP; no registry entry exists yet.
	conn, err := h.gateway.Connect(r.Context(), bearerToken(r), registry.ConnectMetadata{
		Transport: "ws",
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		h.gateway.Disconnect(conn)
		h.gateway.Release(conn)
		return
	}

	l := h.logger.With(
		slog.String("conn_id", conn.GetID().String()),
		slog.String("user_id", conn.Identity().UserID),
	)
	l.Info("ws opened")

	// 3. PUMP LOOPS
	// One write pump bridging the connector's mailbox to the wire; the
	// read task runs inline so the request goroutine owns the session.
	var g errgroup.Group
	g.Go(func() error {
		h.writePump(ws, conn, l)
		return nil
	})

	h.readPump(r.Context(), ws, conn, l)

	// 4. TEARDOWN
	// Unregister is idempotent against evictions that raced the read
	// loop. The connector goes back to the pool only once the write pump
	// has unwound, nothing may hold it past Release.
	h.gateway.Disconnect(conn)
	_ = ws.Close()
	_ = g.Wait()
	h.gateway.Release(conn)
	l.Info("ws closed")
}

// readPump feeds inbound frames to the event router until the transport
// errors or the connection is retired.
func (h *WSHandler) readPump(ctx context.Context, ws *websocket.Conn, conn registry.Connector, l *slog.Logger) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn("ws read failed", "error", err)
			}
			return
		}
		h.router.Handle(ctx, conn.GetID(), data)
	}
}

// writePump drains the connector and keeps the transport alive with pings.
// Exits when the registry retires the connection; the final disconnected
// frame carries the retirement reason.
func (h *WSHandler) writePump(ws *websocket.Conn, conn registry.Connector, l *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	recv := conn.Recv()
	for {
		select {
		case <-conn.Done():
			h.writeGoodbye(ws, conn.CloseReason())
			return

		case ev := <-recv:
			if ev == nil {
				continue
			}
			data, err := wsmarshaller.MarshallEvent(ev)
			if err != nil {
				l.Error("failed to marshal ws event", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Warn("ws send failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeGoodbye pushes a final disconnected event before the server closes
// the stream. Best effort: the transport may already be gone.
func (h *WSHandler) writeGoodbye(ws *websocket.Conn, reason string) {
	if reason == "" {
		reason = "session_closed_by_server"
	}
	ev := model.NewEvent(model.KindDisconnected, "", "", model.SystemSender, &model.DisconnectedPayload{
		Reason: reason,
	})
	if data, err := wsmarshaller.MarshallEvent(ev); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

func (h *WSHandler) writeAdmissionError(w http.ResponseWriter, err error) {
	var rl *model.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", rl.RetryAfter.Round(time.Second).String())
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	case errors.Is(err, model.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "connection rejected", http.StatusInternalServerError)
	}
}

// bearerToken extracts the credential from the Authorization header, or
// the token query parameter for browser clients that cannot set headers
// on a socket upgrade.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
