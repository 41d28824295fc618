package models

import "time"

// PresenceStatus is the durable online/offline state of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceOffline PresenceStatus = "OFFLINE"
)

// PresenceRecord is the durable last-known presence of a user: one row per
// user, upserted on identify and on every heartbeat. It is the source of
// truth across restarts; the in-memory connection registry is a derived cache.
type PresenceRecord struct {
	UserID     int64          `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}
