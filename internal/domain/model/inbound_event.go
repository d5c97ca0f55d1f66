package model

import "encoding/json"

// InboundEvent is the client envelope as received from the transport,
// before any validation. Payload stays raw until the router knows the kind.
type InboundEvent struct {
	Kind     EventKind       `json:"kind"`
	RoomID   string          `json:"roomId,omitempty"`
	TenantID string          `json:"tenantId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
