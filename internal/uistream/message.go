package uistream

import (
	"github.com/chatsync/internal/model"
)

type EventType string

const (
	EventSnapshot      EventType = "snapshot"
	EventMessages      EventType = "messages"
	EventPresence      EventType = "presence"
	EventTyping        EventType = "typing"
	EventUnread        EventType = "unread"
	EventConversations EventType = "conversations"
	EventConnection    EventType = "connection"
	EventError         EventType = "error"
)

// IncomingMessage is what the UI sends.
type IncomingMessage struct {
	Type   EventType    `json:"type"`
	RoomID model.RoomID `json:"room_id,omitempty"`
}

// OutgoingMessage is what the UI receives.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type MessagesPayload struct {
	RoomID   model.RoomID    `json:"room_id"`
	Messages []model.Message `json:"messages"`
}

type TypingPayload struct {
	RoomID model.RoomID   `json:"room_id"`
	Users  []model.UserID `json:"users"`
}

type UnreadPayload struct {
	RoomID model.RoomID `json:"room_id,omitempty"`
	Count  int          `json:"count"`
	Total  int          `json:"total"`
}

type ConversationsPayload struct {
	Conversations []model.ConversationSummary `json:"conversations"`
}

type ConnectionPayload struct {
	State string `json:"state"`
}

type SnapshotPayload struct {
	Connection    string                      `json:"connection"`
	ActiveRoom    model.RoomID                `json:"active_room,omitempty"`
	Conversations []model.ConversationSummary `json:"conversations"`
	Unread        map[model.RoomID]int        `json:"unread"`
	UnreadTotal   int                         `json:"unread_total"`
}
