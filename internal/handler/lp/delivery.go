package lp

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/webitel/rt-gateway-service/config"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	lpmarshaller "github.com/webitel/rt-gateway-service/internal/handler/marshaller/lp"
	"github.com/webitel/rt-gateway-service/internal/router"
	"github.com/webitel/rt-gateway-service/internal/service"
)

const (
	defaultPollTimeout = 30 * time.Second
	defaultBatchLimit  = 16
)

type LPHandler struct {
	gateway service.Gatewayer
	router  *router.Router

	pollTimeout time.Duration
	batchLimit  int
}

func NewLPHandler(cfg *config.Config, gateway service.Gatewayer, r *router.Router) *LPHandler {
	h := &LPHandler{
		gateway:     gateway,
		router:      r,
		pollTimeout: cfg.Server.PollTimeout,
		batchLimit:  cfg.Server.PollBatch,
	}
	if h.pollTimeout <= 0 {
		h.pollTimeout = defaultPollTimeout
	}
	if h.batchLimit <= 0 {
		h.batchLimit = defaultBatchLimit
	}
	return h
}

// Poll handles a single long-polling cycle. The caller names the tenant
// and optional room via query parameters; the handler builds a transient
// connection, replays the join handshake through the event router, then
// holds the request until events arrive or the poll times out.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	// 1. Admission. Same checkpoint as the socket transport.
	conn, err := h.gateway.Connect(r.Context(), bearerToken(r), registry.ConnectMetadata{
		Transport: "lp",
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	defer h.gateway.Release(conn)
	defer h.gateway.Disconnect(conn)

	// 2. Replay the session handshake for this transient connection.
	// Long-poll clients carry their scope in the URL instead of a
	// stateful stream, so each cycle re-joins before waiting.
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}
	if !h.dispatch(r, conn, model.KindJoinTenant, tenantID, "") {
		http.Error(w, "tenant rejected", http.StatusForbidden)
		return
	}
	if room := r.URL.Query().Get("room"); room != "" {
		if !h.dispatch(r, conn, model.KindJoinRoom, "", room) {
			http.Error(w, "room rejected", http.StatusForbidden)
			return
		}
	}

	var events []*model.Event

	// 3. Wait for data or timeout.
	select {
	case <-r.Context().Done():
		return

	case <-conn.Done():
		// Evicted or shut down while parked.
		w.WriteHeader(http.StatusNoContent)
		return

	case <-time.After(h.pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev := <-conn.Recv():
		if ev != nil {
			events = append(events, ev)
		}

		// Drain whatever else is already buffered so the client spends
		// fewer round trips catching up.
	drainLoop:
		for i := 0; i < h.batchLimit; i++ {
			select {
			case nextEv := <-conn.Recv():
				if nextEv != nil {
					events = append(events, nextEv)
				}
			default:
				break drainLoop
			}
		}
	}

	// 4. Final transmission.
	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// dispatch feeds a synthesized inbound envelope through the router and
// reports whether the session advanced. Acks and welcome events land in
// the connection buffer; rejection shows up as an error event, which the
// drain below surfaces to the client anyway, so only the bind state
// matters here.
func (h *LPHandler) dispatch(r *http.Request, conn registry.Connector, kind model.EventKind, tenantID, roomID string) bool {
	raw, err := json.Marshal(model.InboundEvent{
		Kind:     kind,
		TenantID: tenantID,
		RoomID:   roomID,
	})
	if err != nil {
		return false
	}
	h.router.Handle(r.Context(), conn.GetID(), raw)

	switch kind {
	case model.KindJoinTenant:
		return conn.TenantID() != ""
	case model.KindJoinRoom:
		for _, room := range conn.Rooms() {
			if room == roomID {
				return true
			}
		}
		return false
	}
	return true
}

func writeAdmissionError(w http.ResponseWriter, err error) {
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
