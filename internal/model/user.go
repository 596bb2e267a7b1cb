package model

import "time"

// Friend is the user record returned by the friends and conversations endpoints.
// IsOnline/LastSeen are a static snapshot taken when the record was loaded.
type Friend struct {
	ID        UserID    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// PresenceEntry is the live (or fallback) presence of a user.
type PresenceEntry struct {
	UserID   UserID    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
	// Live is false when the entry was answered from a friend record or a default.
	Live bool `json:"live"`
}

// TypingEntry is a remote typing indicator.
type TypingEntry struct {
	RoomID    RoomID    `json:"room_id"`
	UserID    UserID    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
