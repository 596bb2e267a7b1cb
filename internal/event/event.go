// Package event decodes the backend's WebSocket event stream into a closed set of typed events.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
)

type Type string

const (
	TypeMessageNew         Type = "message:new"
	TypeTypingStart        Type = "typing:start"
	TypeTypingStop         Type = "typing:stop"
	TypePresenceUpdate     Type = "presence:update"
	TypeConversationUpdate Type = "conversation:update"
	TypeReadReceipt        Type = "read:receipt"
)

var (
	// ErrMalformed wraps every decoding failure; the router drops such frames.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownType is returned for a well-formed envelope with an unsupported type.
	ErrUnknownType = errors.New("unknown event type")
)

// Event is one of MessageNew, TypingStart, TypingStop, PresenceUpdate,
// ConversationUpdate, ReadReceipt. The unexported method closes the set.
type Event interface {
	Type() Type
	event()
}

// MessageNew carries a message broadcast for a room.
type MessageNew struct {
	RoomID  model.RoomID
	Message model.Message
}

// TypingStart is a remote user starting to type.
type TypingStart struct {
	RoomID model.RoomID
	UserID model.UserID
}

// TypingStop is a remote user's explicit stop.
type TypingStop struct {
	RoomID model.RoomID
	UserID model.UserID
}

// PresenceUpdate patches a user's presence. LastSeen is optional.
type PresenceUpdate struct {
	UserID   model.UserID
	IsOnline bool
	LastSeen *time.Time
}

// ConversationUpdate patches one row of the conversation list.
type ConversationUpdate struct {
	Patch model.ConversationPatch
}

// ReadReceipt marks messages of a room as read by the peer.
type ReadReceipt struct {
	RoomID     model.RoomID
	MessageIDs []string
}

func (MessageNew) Type() Type         { return TypeMessageNew }
func (TypingStart) Type() Type        { return TypeTypingStart }
func (TypingStop) Type() Type         { return TypeTypingStop }
func (PresenceUpdate) Type() Type     { return TypePresenceUpdate }
func (ConversationUpdate) Type() Type { return TypeConversationUpdate }
func (ReadReceipt) Type() Type        { return TypeReadReceipt }

func (MessageNew) event()         {}
func (TypingStart) event()        {}
func (TypingStop) event()         {}
func (PresenceUpdate) event()     {}
func (ConversationUpdate) event() {}
func (ReadReceipt) event()        {}

// envelope is the frame layout: {"type": "...", "data": {...}}.
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type messageNewPayload struct {
	RoomID  model.RoomID   `json:"room_id"`
	Message *model.Message `json:"message"`
}

type typingPayload struct {
	RoomID model.RoomID     `json:"room_id"`
	UserID model.FlexUserID `json:"user_id"`
}

type presencePayload struct {
	UserID   model.FlexUserID `json:"user_id"`
	IsOnline *bool            `json:"is_online"`
	LastSeen *model.FlexTime  `json:"last_seen"`
}

type conversationPayload struct {
	FriendID    model.FlexUserID `json:"friend_id"`
	LastMessage *model.Message   `json:"last_message"`
	UnreadCount *int             `json:"unread_count"`
}

type receiptPayload struct {
	RoomID     model.RoomID   `json:"room_id"`
	MessageIDs []model.FlexID `json:"message_ids"`
}

func malformed(t Type, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, t, fmt.Sprintf(format, args...))
}

// Decode parses one frame. It never panics on hostile input; every failure wraps
// ErrMalformed or ErrUnknownType.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type missing", ErrMalformed)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, malformed(env.Type, "data missing")
	}

	switch env.Type {
	case TypeMessageNew:
		var p messageNewPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		if p.Message == nil {
			return nil, malformed(env.Type, "message missing")
		}
		room := p.RoomID
		if room == "" {
			room = p.Message.RoomID
		}
		if room == "" {
			return nil, malformed(env.Type, "room_id missing")
		}
		if err := p.Message.Validate(); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		msg := *p.Message
		msg.RoomID = room
		return MessageNew{RoomID: room, Message: msg}, nil

	case TypeTypingStart, TypeTypingStop:
		var p typingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		if p.RoomID == "" || p.UserID <= 0 {
			return nil, malformed(env.Type, "room_id and user_id required")
		}
		if env.Type == TypeTypingStart {
			return TypingStart{RoomID: p.RoomID, UserID: model.UserID(p.UserID)}, nil
		}
		return TypingStop{RoomID: p.RoomID, UserID: model.UserID(p.UserID)}, nil

	case TypePresenceUpdate:
		var p presencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		if p.UserID <= 0 || p.IsOnline == nil {
			return nil, malformed(env.Type, "user_id and is_online required")
		}
		ev := PresenceUpdate{UserID: model.UserID(p.UserID), IsOnline: *p.IsOnline}
		if p.LastSeen != nil && !time.Time(*p.LastSeen).IsZero() {
			ls := time.Time(*p.LastSeen)
			ev.LastSeen = &ls
		}
		return ev, nil

	case TypeConversationUpdate:
		var p conversationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		if p.FriendID <= 0 {
			return nil, malformed(env.Type, "friend_id required")
		}
		if p.LastMessage != nil {
			if err := p.LastMessage.Validate(); err != nil {
				return nil, malformed(env.Type, "%v", err)
			}
		}
		return ConversationUpdate{Patch: model.ConversationPatch{
			FriendID:    model.UserID(p.FriendID),
			LastMessage: p.LastMessage,
			UnreadCount: p.UnreadCount,
		}}, nil

	case TypeReadReceipt:
		var p receiptPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(env.Type, "%v", err)
		}
		if p.RoomID == "" || len(p.MessageIDs) == 0 {
			return nil, malformed(env.Type, "room_id and message_ids required")
		}
		ids := make([]string, 0, len(p.MessageIDs))
		for _, id := range p.MessageIDs {
			if id != "" {
				ids = append(ids, string(id))
			}
		}
		return ReadReceipt{RoomID: p.RoomID, MessageIDs: ids}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Outgoing is what the client sends to the backend.
type Outgoing struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// TypingSignal is the payload of an outgoing typing:start / typing:stop.
type TypingSignal struct {
	RoomID model.RoomID `json:"room_id"`
}

// NewTyping builds an outgoing typing signal.
func NewTyping(roomID model.RoomID, start bool) Outgoing {
	t := TypeTypingStop
	if start {
		t = TypeTypingStart
	}
	return Outgoing{Type: t, Data: TypingSignal{RoomID: roomID}}
}
