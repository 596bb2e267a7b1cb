package uistream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

type fakeSource struct {
	changes observer.Subject[engine.Change]

	mu     sync.Mutex
	typing []model.RoomID
}

func (f *fakeSource) Subscribe(fn func(engine.Change)) func() { return f.changes.Subscribe(fn) }
func (f *fakeSource) Messages(room model.RoomID) []model.Message {
	return []model.Message{{ID: "1", RoomID: room, SenderID: 7}}
}
func (f *fakeSource) Conversations() []model.ConversationSummary {
	return []model.ConversationSummary{{RoomID: "3_7", Friend: model.Friend{ID: 7}}}
}
func (f *fakeSource) Presence(user model.UserID) model.PresenceEntry {
	return model.PresenceEntry{UserID: user, IsOnline: true, Live: true}
}
func (f *fakeSource) Typing(room model.RoomID) []model.UserID { return []model.UserID{7} }
func (f *fakeSource) Unread(room model.RoomID) int            { return 2 }
func (f *fakeSource) UnreadTotal() int                        { return 2 }
func (f *fakeSource) UnreadSnapshot() map[model.RoomID]int    { return map[model.RoomID]int{"3_7": 2} }
func (f *fakeSource) ActiveRoom() model.RoomID                { return "" }
func (f *fakeSource) ConnState() conn.State                   { return conn.Connected }
func (f *fakeSource) NotifyTyping(room model.RoomID) error {
	f.mu.Lock()
	f.typing = append(f.typing, room)
	f.mu.Unlock()
	return nil
}

type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		client := NewClient(h, c, "test")
		client.Start(ctx, cancel)
		h.Register(client)
	}))
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSnapshotThenChanges(t *testing.T) {
	src := &fakeSource{}
	h := NewHub(src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := dialHub(t, h)
	first := read(t, c)
	if first.Type != EventSnapshot {
		t.Fatalf("first frame = %s", first.Type)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(first.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Connection != "connected" || snap.UnreadTotal != 2 || len(snap.Conversations) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	src.changes.Publish(engine.Change{Kind: engine.KindConnection, State: "disconnected"})
	f := read(t, c)
	var cp ConnectionPayload
	json.Unmarshal(f.Payload, &cp)
	if f.Type != EventConnection || cp.State != "disconnected" {
		t.Fatalf("frame = %s %s", f.Type, f.Payload)
	}

	src.changes.Publish(engine.Change{Kind: engine.KindMessages, RoomID: "3_7"})
	f = read(t, c)
	var mp MessagesPayload
	json.Unmarshal(f.Payload, &mp)
	if f.Type != EventMessages || mp.RoomID != "3_7" || len(mp.Messages) != 1 {
		t.Fatalf("messages frame = %s", f.Payload)
	}
}

func TestTypingRequestAndUnknown(t *testing.T) {
	src := &fakeSource{}
	h := NewHub(src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := dialHub(t, h)
	read(t, c)

	if err := c.WriteJSON(IncomingMessage{Type: EventTyping, RoomID: "3_7"}); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteJSON(IncomingMessage{Type: "call"}); err != nil {
		t.Fatal(err)
	}
	if f := read(t, c); f.Type != EventError {
		t.Fatalf("frame = %s", f.Type)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.typing) != 1 || src.typing[0] != "3_7" {
		t.Fatalf("typing = %v", src.typing)
	}
}

func TestConnectionLimit(t *testing.T) {
	src := &fakeSource{}
	h := NewHub(src, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := dialHub(t, h)
	read(t, first)
	second := dialHub(t, h)
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second client must be rejected")
	}
	if h.Len() != 1 {
		t.Fatalf("len = %d", h.Len())
	}
}
