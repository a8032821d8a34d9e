// Package domain contains core domain types for the Turtle Talk application.
package domain

import (
	"time"
)

// User is an anonymous device identity. One device usually belongs to one child.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the device has been inactive relative to now.
func (u *User) IdleFor(now time.Time) time.Duration {
	d := now.Sub(u.LastSeenAt)
	if d < 0 {
		return 0
	}
	return d
}
