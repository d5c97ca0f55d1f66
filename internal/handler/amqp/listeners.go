package amqp

import (
	"context"

	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// SystemNoticeV1 is the wire shape of platform announcements emitted by
// upstream services. RoomID narrows the notice to one room; empty means
// tenant-wide.
type SystemNoticeV1 struct {
	NoticeID string `json:"noticeId"`
	TenantID string `json:"tenantId"`
	RoomID   string `json:"roomId,omitempty"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Level    string `json:"level,omitempty"`
}

// [ON_SYSTEM_NOTICE]
// Transforms an upstream announcement into a system-notification event
// for every affected local connection.
func (h *NoticeHandler) OnSystemNoticeV1(_ context.Context, tenantID string, raw *SystemNoticeV1) (*model.Event, error) {
	if raw.Body == "" && raw.Title == "" {
		h.logger.Debug("EMPTY_NOTICE_SKIPPED", "notice_id", raw.NoticeID)
		return nil, nil
	}

	// The routing key is authoritative for tenancy; a mismatching body
	// must not leak the notice across tenants.
	if raw.TenantID != "" && raw.TenantID != tenantID {
		h.logger.Warn("NOTICE_TENANT_MISMATCH", "notice_id", raw.NoticeID, "tenant_id", tenantID)
		return nil, nil
	}

	level := raw.Level
	if level == "" {
		level = "info"
	}

	return model.NewEvent(model.KindSystemNotice, tenantID, raw.RoomID, model.SystemSender, &model.SystemNoticePayload{
		Title: raw.Title,
		Body:  raw.Body,
		Level: level,
	}), nil
}
