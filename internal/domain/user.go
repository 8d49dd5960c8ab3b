package domain

import (
	"time"
)

// User represents an anonymous device identity.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionActivity records when a browser tab session was last used.
// Conversation content is never persisted; only liveness is.
type SessionActivity struct {
	UserID     string
	SessionID  string
	LastSeenAt time.Time
}

// IdleFor returns how long the session has been idle as of now.
func (a SessionActivity) IdleFor(now time.Time) time.Duration {
	d := now.Sub(a.LastSeenAt)
	if d < 0 {
		return 0
	}
	return d
}
