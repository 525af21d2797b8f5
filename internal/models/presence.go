package models

import "time"

// Presence is the online state of a user across all of their sessions.
type Presence struct {
	UserID     int64      `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}
