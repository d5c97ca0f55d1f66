package amqp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
)

func newTestHandler(t *testing.T) (*NoticeHandler, *registry.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := registry.NewHub(logger)
	t.Cleanup(hub.Shutdown)
	return NewNoticeHandler(hub, logger, nil), hub
}

func boundConn(t *testing.T, hub *registry.Hub, tenantID, roomID string) registry.Connector {
	t.Helper()
	conn, err := hub.Register(context.Background(), model.Identity{UserID: "alice", TenantID: tenantID}, registry.ConnectMetadata{})
	require.NoError(t, err)
	require.NoError(t, hub.BindIdentity(conn.GetID(), tenantID, "alice"))
	if roomID != "" {
		require.NoError(t, hub.Join(conn.GetID(), roomID))
	}
	return conn
}

func noticeMsg(tenantID, body string) *message.Message {
	msg := message.NewMessage("msg-1", []byte(body))
	msg.Metadata.Set("tenant_id", tenantID)
	return msg
}

func recvOrFail(t *testing.T, conn registry.Connector) *model.Event {
	t.Helper()
	select {
	case ev := <-conn.Recv():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBind_TenantWideNotice(t *testing.T) {
	h, hub := newTestHandler(t)
	conn := boundConn(t, hub, "t1", "")

	handler := Bind(h, h.OnSystemNoticeV1)
	err := handler(noticeMsg("t1", `{"noticeId":"n-1","title":"Maintenance","body":"Back at noon","level":"warning"}`))
	require.NoError(t, err)

	ev := recvOrFail(t, conn)
	assert.Equal(t, model.KindSystemNotice, ev.Kind)
	assert.Equal(t, model.SystemSender, ev.SenderID)
	payload := ev.Payload.(*model.SystemNoticePayload)
	assert.Equal(t, "Maintenance", payload.Title)
	assert.Equal(t, "warning", payload.Level)
}

func TestBind_RoomScopedNotice(t *testing.T) {
	h, hub := newTestHandler(t)
	member := boundConn(t, hub, "t1", "general")
	outsider := boundConn(t, hub, "t1", "")

	handler := Bind(h, h.OnSystemNoticeV1)
	err := handler(noticeMsg("t1", `{"noticeId":"n-2","roomId":"general","body":"room only"}`))
	require.NoError(t, err)

	ev := recvOrFail(t, member)
	assert.Equal(t, "general", ev.RoomID)

	select {
	case ev := <-outsider.Recv():
		t.Fatalf("room-scoped notice leaked tenant-wide: %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBind_LocalityFilter(t *testing.T) {
	h, hub := newTestHandler(t)
	conn := boundConn(t, hub, "t1", "")

	// A notice for a tenant with no local connections is acked untouched.
	handler := Bind(h, h.OnSystemNoticeV1)
	err := handler(noticeMsg("t2", `{"noticeId":"n-3","body":"elsewhere"}`))
	require.NoError(t, err)

	select {
	case ev := <-conn.Recv():
		t.Fatalf("notice crossed tenants: %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBind_PoisonToleration(t *testing.T) {
	h, hub := newTestHandler(t)
	boundConn(t, hub, "t1", "")

	handler := Bind(h, h.OnSystemNoticeV1)

	// Undecodable and mismatching payloads are acked, never retried.
	assert.NoError(t, handler(noticeMsg("t1", `{not json`)))
	assert.NoError(t, handler(noticeMsg("t1", `{"noticeId":"n-4","tenantId":"t9","body":"spoofed"}`)))

	// Missing tenant resolution is terminal too.
	assert.NoError(t, handler(message.NewMessage("msg-2", []byte(`{"body":"x"}`))))
}

func TestResolveTenantID(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     string
		ok       bool
	}{
		{"from tenant metadata", map[string]string{"tenant_id": "t1"}, "t1", true},
		{"from routing key", map[string]string{"x-routing-key": "im_system.t7.notice.v1"}, "t7", true},
		{"wildcard segment rejected", map[string]string{"x-routing-key": "im_system.#.notice.v1"}, "", false},
		{"missing", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message.NewMessage("m", nil)
			for k, v := range tt.metadata {
				msg.Metadata.Set(k, v)
			}
			got, ok := resolveTenantID(msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
