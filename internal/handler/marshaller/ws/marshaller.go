package wsmarshaller

import (
	"encoding/json"
	"time"

	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// WSEvent is the outbound envelope for socket transmission.
type WSEvent struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	TenantID  string `json:"tenantId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	SenderID  string `json:"senderId"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// MarshallEvent prepares one event for transmission. The encoding is
// computed once and cached on the event, so an event fanned out to N room
// members costs one json.Marshal, not N.
func MarshallEvent(ev *model.Event) ([]byte, error) {
	if data, ok := ev.CachedWire(); ok {
		return data, nil
	}

	res := &WSEvent{
		Kind:      string(ev.Kind),
		ID:        ev.ID,
		TenantID:  ev.TenantID,
		RoomID:    ev.RoomID,
		SenderID:  ev.SenderID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   ev.Payload,
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}

	// STORE: subsequent deliveries of the same event reuse the bytes.
	ev.SetCachedWire(data)
	return data, nil
}
