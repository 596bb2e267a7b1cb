package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The backend is loosely typed: ids arrive as numbers or strings and timestamps as
// RFC 3339 strings or epoch milliseconds. These helpers normalise both.

// FlexID accepts a JSON string or number.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// FlexTime accepts an RFC 3339 string or epoch milliseconds.
type FlexTime time.Time

func (f *FlexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = FlexTime{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = FlexTime{}
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("time: %w", err)
		}
		*f = FlexTime(t)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("time: %w", err)
	}
	*f = FlexTime(time.UnixMilli(ms).UTC())
	return nil
}

// FlexUserID accepts a JSON number or a numeric string.
type FlexUserID UserID

func (f *FlexUserID) UnmarshalJSON(b []byte) error {
	var id FlexID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	if id == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*f = FlexUserID(n)
	return nil
}

type wireMessage struct {
	ID         FlexID        `json:"id"`
	RoomID     RoomID        `json:"room_id"`
	SenderID   FlexUserID    `json:"sender_id"`
	ReceiverID FlexUserID    `json:"receiver_id"`
	Type       MessageType   `json:"type"`
	Payload    string        `json:"payload"`
	Content    string        `json:"content"`
	File       string        `json:"file"`
	CreatedAt  FlexTime      `json:"created_at"`
	Status     MessageStatus `json:"status"`
	LocalID    string        `json:"local_id"`
}

// UnmarshalJSON accepts both the canonical shape and the backend's variants
// (content/file instead of payload, numeric ids, epoch timestamps).
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	payload := w.Payload
	if payload == "" {
		payload = w.Content
	}
	if payload == "" {
		payload = w.File
	}
	typ := w.Type
	if typ == "" {
		typ = MessageTypeText
	}
	status := w.Status
	if status == "" {
		status = MessageStatusSent
	}
	*m = Message{
		ID:         string(w.ID),
		RoomID:     w.RoomID,
		SenderID:   UserID(w.SenderID),
		ReceiverID: UserID(w.ReceiverID),
		Type:       typ,
		Payload:    payload,
		CreatedAt:  time.Time(w.CreatedAt),
		Status:     status,
		LocalID:    w.LocalID,
	}
	return nil
}

// Validate reports the first missing or invalid field of a server message.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("message: id missing")
	case m.SenderID <= 0:
		return fmt.Errorf("message %s: sender_id missing", m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("message %s: created_at missing", m.ID)
	case !m.Type.Valid():
		return fmt.Errorf("message %s: unknown type %q", m.ID, m.Type)
	case m.Status.Rank() < 0:
		return fmt.Errorf("message %s: unknown status %q", m.ID, m.Status)
	}
	return nil
}
