package model

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

// UserID identifies a platform user.
type UserID int64

// RoomID identifies a one-to-one conversation. See conversation.DeriveRoomID.
type RoomID string

type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeImage     MessageType = "image"
	MessageTypeVoice     MessageType = "voice"
	MessageTypePromotion MessageType = "promotion"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice, MessageTypePromotion:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders delivery statuses; a merge of two copies keeps the higher rank.
// failed ranks below sending: it is only ever set locally on an unconfirmed draft.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusFailed:
		return 0
	case MessageStatusSending:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusDelivered:
		return 3
	case MessageStatusRead:
		return 4
	}
	return -1
}

// LocalIDPrefix marks a temporary id assigned to an optimistic message.
const LocalIDPrefix = "local-"

type Message struct {
	ID         string        `json:"id"`
	RoomID     RoomID        `json:"room_id"`
	SenderID   UserID        `json:"sender_id"`
	ReceiverID UserID        `json:"receiver_id"`
	Type       MessageType   `json:"type"`
	Payload    string        `json:"payload"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     MessageStatus `json:"status"`
	// LocalID correlates a server-confirmed message with the optimistic draft it replaced.
	LocalID string `json:"local_id,omitempty"`
}

// IsLocal reports whether the message still carries a temporary client id.
func (m *Message) IsLocal() bool {
	return IsLocalID(m.ID)
}

// IsLocalID reports whether id was generated client-side.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Compare orders messages by (CreatedAt, ID); see CompareIDs for the tie-break.
func Compare(a, b *Message) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	return CompareIDs(a.ID, b.ID)
}

// Less is Compare(a, b) < 0.
func Less(a, b *Message) bool {
	return Compare(a, b) < 0
}

// CompareIDs is the tie-break used for identical timestamps. Decimal ids sort before
// all others and compare numerically ("9" < "10"); the rest compare lexicographically.
// Equal numbers with different spellings ("07", "7") fall back to the string order.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return cmp.Compare(na, nb)
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
