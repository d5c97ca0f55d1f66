package model

import "time"

// HubStats is a point-in-time snapshot of the registry, exposed on healthz.
type HubStats struct {
	TotalTenants     int           `json:"total_tenants"`
	TotalRooms       int           `json:"total_rooms"`
	TotalConnections int           `json:"total_connections"`
	Uptime           time.Duration `json:"uptime"`
}
