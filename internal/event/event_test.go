package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

func TestDecodeMessageNew(t *testing.T) {
	raw := `{"type":"message:new","data":{"room_id":"3_7","message":{"id":42,"sender_id":"7","receiver_id":3,"content":"hi","created_at":"2026-02-01T10:00:00Z"}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := ev.(MessageNew)
	if !ok {
		t.Fatalf("got %T, want MessageNew", ev)
	}
	if m.RoomID != "3_7" || m.Message.RoomID != "3_7" {
		t.Fatalf("room = %q / %q", m.RoomID, m.Message.RoomID)
	}
	if m.Message.ID != "42" || m.Message.SenderID != 7 || m.Message.ReceiverID != 3 {
		t.Fatalf("ids not normalised: %+v", m.Message)
	}
	if m.Message.Payload != "hi" || m.Message.Type != model.MessageTypeText {
		t.Fatalf("payload/type defaults: %+v", m.Message)
	}
	if m.Message.Status != model.MessageStatusSent {
		t.Fatalf("status = %q, want sent", m.Message.Status)
	}
}

func TestDecodeEpochMillis(t *testing.T) {
	raw := `{"type":"message:new","data":{"message":{"id":"1","room_id":"1_2","sender_id":1,"type":"image","file":"img/1.png","created_at":1767261600000}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	m := ev.(MessageNew)
	want := time.UnixMilli(1767261600000).UTC()
	if !m.Message.CreatedAt.Equal(want) {
		t.Fatalf("created_at = %v, want %v", m.Message.CreatedAt, want)
	}
	if m.RoomID != "1_2" {
		t.Fatalf("room must fall back to message.room_id, got %q", m.RoomID)
	}
	if m.Message.Payload != "img/1.png" {
		t.Fatalf("file reference must become payload, got %q", m.Message.Payload)
	}
}

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want Type
	}{
		{`{"type":"typing:start","data":{"room_id":"1_2","user_id":2}}`, TypeTypingStart},
		{`{"type":"typing:stop","data":{"room_id":"1_2","user_id":"2"}}`, TypeTypingStop},
		{`{"type":"presence:update","data":{"user_id":2,"is_online":false,"last_seen":"2026-02-01T10:00:00Z"}}`, TypePresenceUpdate},
		{`{"type":"conversation:update","data":{"friend_id":2,"unread_count":3}}`, TypeConversationUpdate},
		{`{"type":"read:receipt","data":{"room_id":"1_2","message_ids":[1,"2"]}}`, TypeReadReceipt},
	}
	for _, c := range cases {
		ev, err := Decode([]byte(c.raw))
		if err != nil {
			t.Fatalf("%s: %v", c.want, err)
		}
		if ev.Type() != c.want {
			t.Fatalf("type = %s, want %s", ev.Type(), c.want)
		}
	}
}

func TestDecodePresenceOptionalLastSeen(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"presence:update","data":{"user_id":5,"is_online":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	p := ev.(PresenceUpdate)
	if !p.IsOnline || p.LastSeen != nil {
		t.Fatalf("got %+v", p)
	}
}

func TestDecodeReceiptIDs(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"read:receipt","data":{"room_id":"1_2","message_ids":[10,"11"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	r := ev.(ReadReceipt)
	if len(r.MessageIDs) != 2 || r.MessageIDs[0] != "10" || r.MessageIDs[1] != "11" {
		t.Fatalf("ids = %v", r.MessageIDs)
	}
}

func TestDecodeMalformed(t *testing.T) {
	bad := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"message:new"}`,
		`{"type":"message:new","data":null}`,
		`{"type":"message:new","data":{"room_id":"1_2"}}`,
		`{"type":"message:new","data":{"room_id":"1_2","message":{"sender_id":1,"created_at":"2026-02-01T10:00:00Z"}}}`,
		`{"type":"message:new","data":{"room_id":"1_2","message":{"id":"1","sender_id":1}}}`,
		`{"type":"message:new","data":{"room_id":"1_2","message":{"id":"1","sender_id":1,"type":"sticker","created_at":"2026-02-01T10:00:00Z"}}}`,
		`{"type":"typing:start","data":{"room_id":"1_2"}}`,
		`{"type":"presence:update","data":{"user_id":2}}`,
		`{"type":"conversation:update","data":{"unread_count":1}}`,
		`{"type":"read:receipt","data":{"room_id":"1_2","message_ids":[]}}`,
		`{"type":"message:new","data":{"room_id":"1_2","message":{"id":{"x":1}}}}`,
	}
	for _, raw := range bad {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"call:ring","data":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestNewTypingEncoding(t *testing.T) {
	b, err := json.Marshal(NewTyping("1_2", true))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"typing:start","data":{"room_id":"1_2"}}` {
		t.Fatalf("got %s", b)
	}
}
