package model

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
)

// Presence is one row per principal, upserted on connect and disconnect.
type Presence struct {
	UserID        string         `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	LastSeen      time.Time      `json:"last_seen"`
	StatusMessage string         `json:"status_message,omitempty"`
}
