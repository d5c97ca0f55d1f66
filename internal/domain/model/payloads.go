package model

// MessagePayload carries chat message content for both the inbound
// send-message operation and the outbound message event.
type MessagePayload struct {
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content"`
}

// PresencePayload is broadcast tenant-wide on every presence transition.
type PresencePayload struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt int64          `json:"lastSeenAt,omitempty"` // unix millis
}

// TypingPayload is room-scoped; IsTyping=false is emitted on typing-stop,
// timeout expiry, or synthetically on disconnect.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptPayload marks a message as read by the sender of mark-read.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// SystemNoticePayload carries platform notifications fanned out by the core.
type SystemNoticePayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Level string `json:"level,omitempty"` // "info", "warning", "critical"
}

// AckPayload confirms a control operation back to its originating
// connection only. Never broadcast.
type AckPayload struct {
	Ok     bool   `json:"ok"`
	RoomID string `json:"roomId,omitempty"`
}

// ConnectedPayload represents the data sent to the client upon successful connection.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

// DisconnectedPayload represents the notification sent before the server closes the stream.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"` // Optional: "SHUTDOWN", "EVICTED", "TIMEOUT"
}

// ErrorPayload reports a per-event rejection to the originating connection.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}
