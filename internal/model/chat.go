package model

import "time"

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	RoomID       RoomID    `json:"room_id"`
	Friend       Friend    `json:"friend"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ConversationPatch is a partial update for a single conversation.
type ConversationPatch struct {
	FriendID    UserID   `json:"friend_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount *int     `json:"unread_count,omitempty"`
}

// Draft is the content of a message the local user is about to send.
type Draft struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload"`
}
