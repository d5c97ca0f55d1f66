package model

import "time"

// PresenceStatus is derived, not authoritative: reconstructed from active
// connections plus the client-asserted away flag.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether a client may assert this status. Offline is only
// ever derived from connection count, never accepted from the wire.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway
}

// PresenceState is the tracked entry per (tenant, user).
type PresenceState struct {
	TenantID   string
	UserID     string
	Status     PresenceStatus
	LastSeenAt time.Time
}
