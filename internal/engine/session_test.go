package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

const (
	self   model.UserID = 3
	friend model.UserID = 7
	room   model.RoomID = "3_7"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu            sync.Mutex
	history       []model.Message
	historyErr    error
	sendErr       error
	nextID        int
	conversations []model.ConversationSummary
	friends       []model.Friend
	presence      []model.PresenceEntry
	read          []string
	calls         map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 42, calls: make(map[string]int)}
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) History(ctx context.Context, friendID model.UserID, skip, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["History"]++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if skip >= len(f.history) {
		return nil, nil
	}
	// newest first, the way the backend pages
	newest := slices.Clone(f.history)
	slices.Reverse(newest)
	return newest[skip:min(skip+limit, len(newest))], nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, receiverID model.UserID, d model.Draft, localID string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SendMessage"]++
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	id := f.nextID
	f.nextID++
	return model.Message{
		ID:         fmt.Sprint(id),
		SenderID:   self,
		ReceiverID: receiverID,
		Type:       d.Type,
		Payload:    d.Payload,
		CreatedAt:  epoch.Add(10 * time.Second),
		Status:     model.MessageStatusSent,
		LocalID:    localID,
	}, nil
}

func (f *fakeAPI) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Conversations"]++
	return slices.Clone(f.conversations), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["MarkRead"]++
	f.read = append(f.read, ids...)
	return nil
}

func (f *fakeAPI) Friends(ctx context.Context) ([]model.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Friends"]++
	return slices.Clone(f.friends), nil
}

func (f *fakeAPI) PresenceSnapshot(ctx context.Context, ids []model.UserID) ([]model.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PresenceSnapshot"]++
	return slices.Clone(f.presence), nil
}

type fakeTransport struct {
	frames observer.Subject[[]byte]
	states observer.Subject[conn.StateChange]

	mu        sync.Mutex
	sent      []any
	connected bool
}

func (t *fakeTransport) Connect(ctx context.Context) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *fakeTransport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, v)
	return nil
}

func (t *fakeTransport) OnStateChange(fn func(conn.StateChange)) func() { return t.states.Subscribe(fn) }
func (t *fakeTransport) OnFrame(fn func([]byte)) func()                  { return t.frames.Subscribe(fn) }

func (t *fakeTransport) emit(frame string) { t.frames.Publish([]byte(frame)) }

func (t *fakeTransport) state(s conn.State) { t.states.Publish(conn.StateChange{State: s}) }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []push.Payload
}

func (n *fakeNotifier) Notify(ctx context.Context, p push.Payload) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p)
	return 1
}

func (n *fakeNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	s   *Session
	api *fakeAPI
	tr  *fakeTransport
	clk *clock.Fake
}

func start(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI(), tr: &fakeTransport{}, clk: clock.NewFake(epoch)}
	opts := Options{
		Self:         self,
		API:          h.api,
		Transport:    h.tr,
		Clock:        h.clk,
		MinResyncGap: time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.s = New(opts)
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// knowFriends loads conversation rows so live messages do not trigger reloads.
func (h *harness) knowFriends(t *testing.T, unread map[model.UserID]int, friends ...model.UserID) {
	t.Helper()
	rows := make([]model.ConversationSummary, 0, len(friends))
	for _, f := range friends {
		rows = append(rows, model.ConversationSummary{Friend: model.Friend{ID: f}, UnreadCount: unread[f], LastActivity: epoch})
	}
	h.api.mu.Lock()
	h.api.conversations = rows
	h.api.mu.Unlock()
	if err := h.s.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func msg(id string, sender model.UserID, sec int) model.Message {
	receiver := friend
	if sender == friend {
		receiver = self
	}
	return model.Message{
		ID:         id,
		RoomID:     room,
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       model.MessageTypeText,
		Payload:    "m" + id,
		CreatedAt:  epoch.Add(time.Duration(sec) * time.Second),
		Status:     model.MessageStatusSent,
	}
}

func messageFrame(r model.RoomID, id string, sender model.UserID, sec int) string {
	return fmt.Sprintf(`{"type":"message:new","data":{"room_id":%q,"message":{"id":%q,"sender_id":%d,"content":"m%s","created_at":%q}}}`,
		r, id, sender, id, epoch.Add(time.Duration(sec)*time.Second).Format(time.RFC3339))
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestDuplicateLiveEventAfterHistory(t *testing.T) {
	h := start(t, nil)
	h.api.history = []model.Message{msg("1", friend, 1), msg("2", self, 2), msg("3", friend, 3)}

	if _, err := h.s.OpenRoom(context.Background(), friend); err != nil {
		t.Fatal(err)
	}
	h.tr.emit(messageFrame(room, "2", self, 2))
	h.flush(t)

	if got := ids(h.s.Messages(room)); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Fatalf("messages = %v", got)
	}
}

func TestSendReconcilesAndDedupesBroadcast(t *testing.T) {
	h := start(t, nil)
	h.api.history = []model.Message{msg("1", friend, 1)}
	if _, err := h.s.OpenRoom(context.Background(), friend); err != nil {
		t.Fatal(err)
	}

	localID, err := h.s.Send(context.Background(), friend, model.Draft{Type: model.MessageTypeText, Payload: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsLocalID(localID) {
		t.Fatalf("local id = %q", localID)
	}
	if got := ids(h.s.Messages(room)); !slices.Equal(got, []string{"1", "42"}) {
		t.Fatalf("after send = %v", got)
	}

	h.tr.emit(messageFrame(room, "42", self, 10))
	h.flush(t)
	got := h.s.Messages(room)
	if !slices.Equal(ids(got), []string{"1", "42"}) {
		t.Fatalf("after broadcast = %v", ids(got))
	}
	if got[1].LocalID != localID || got[1].Status != model.MessageStatusSent {
		t.Fatalf("confirmed = %+v", got[1])
	}
	if row, ok := h.s.index.LookupFriend(friend); ok && row.LastMessage != nil && row.LastMessage.ID != "42" {
		t.Fatalf("conversation last message = %s", row.LastMessage.ID)
	}
}

func TestRemoteTypingExpires(t *testing.T) {
	h := start(t, nil)
	h.tr.emit(`{"type":"typing:start","data":{"room_id":"3_7","user_id":7}}`)
	h.flush(t)
	if got := h.s.Typing(room); !slices.Equal(got, []model.UserID{friend}) {
		t.Fatalf("typing = %v", got)
	}
	h.clk.Advance(5100 * time.Millisecond)
	if got := h.s.Typing(room); len(got) != 0 {
		t.Fatalf("typing after ttl = %v", got)
	}
}

func TestServerSnapshotOverridesLocalUnread(t *testing.T) {
	h := start(t, nil)
	h.knowFriends(t, nil, friend)
	for i := 1; i <= 3; i++ {
		h.tr.emit(messageFrame(room, fmt.Sprint(i), friend, i))
	}
	h.flush(t)
	if got := h.s.Unread(room); got != 3 {
		t.Fatalf("local unread = %d", got)
	}
	h.knowFriends(t, map[model.UserID]int{friend: 5}, friend)
	if got := h.s.Unread(room); got != 5 {
		t.Fatalf("unread after snapshot = %d", got)
	}
	h.tr.emit(messageFrame(room, "4", friend, 4))
	h.flush(t)
	if err := h.s.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.s.Unread(room); got != 5 {
		t.Fatalf("unread after second snapshot = %d", got)
	}
}

func TestReconnectTriggersFullResync(t *testing.T) {
	h := start(t, nil)
	h.api.conversations = []model.ConversationSummary{{
		Friend:       model.Friend{ID: friend, Username: "ann"},
		UnreadCount:  1,
		LastActivity: epoch,
	}}
	h.api.presence = []model.PresenceEntry{{UserID: friend, IsOnline: true}}

	var (
		mu     sync.Mutex
		states []string
	)
	h.s.Subscribe(func(c Change) {
		if c.Kind == KindConnection {
			mu.Lock()
			states = append(states, c.State)
			mu.Unlock()
		}
	})

	h.tr.state(conn.Connected)
	h.tr.state(conn.Disconnected)
	h.tr.state(conn.Connecting)
	h.tr.state(conn.Connected)

	mu.Lock()
	want := []string{"connected", "disconnected", "connecting", "connected"}
	if !slices.Equal(states, want) {
		t.Fatalf("states = %v", states)
	}
	mu.Unlock()

	eventually(t, "resync", func() bool {
		return h.api.count("PresenceSnapshot") > 0 && h.s.Presence(friend).Live
	})
	if h.s.ConnState() != conn.Connected {
		t.Fatalf("conn state = %s", h.s.ConnState())
	}
	rows := h.s.Conversations()
	if len(rows) != 1 || rows[0].RoomID != room || rows[0].UnreadCount != 1 {
		t.Fatalf("conversations = %+v", rows)
	}
	if !h.s.Presence(friend).IsOnline {
		t.Fatal("presence not reloaded")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := start(t, nil)
	h.tr.emit(`not json`)
	h.tr.emit(`{"type":"message:new","data":{"room_id":"3_7","message":{"sender_id":7}}}`)
	h.tr.emit(`{"type":"call:offer","data":{}}`)
	h.tr.emit(messageFrame(room, "1", friend, 1))
	h.tr.emit(messageFrame("3_9", "1", 9, 1))
	h.flush(t)

	if got := ids(h.s.Messages(room)); !slices.Equal(got, []string{"1"}) {
		t.Fatalf("room = %v", got)
	}
	if got := ids(h.s.Messages("3_9")); !slices.Equal(got, []string{"1"}) {
		t.Fatalf("other room = %v", got)
	}
}

func TestForeignRoomMessageDropped(t *testing.T) {
	notifier := &fakeNotifier{}
	h := start(t, func(o *Options) { o.Notifier = notifier })
	h.knowFriends(t, nil, friend)
	h.tr.emit(messageFrame("7_9", "1", 9, 1))
	h.tr.emit(messageFrame(room, "2", friend, 2))
	h.flush(t)

	if got := h.s.Messages("7_9"); len(got) != 0 {
		t.Fatalf("foreign room = %v", ids(got))
	}
	if h.s.Unread("7_9") != 0 || h.s.UnreadTotal() != 1 {
		t.Fatalf("unread foreign=%d total=%d", h.s.Unread("7_9"), h.s.UnreadTotal())
	}
	eventually(t, "one notification", func() bool { return notifier.len() == 1 })
	if p := notifier.sent[0]; p.Data["room_id"] != string(room) {
		t.Fatalf("notified room = %s", p.Data["room_id"])
	}
}

func TestSendFailureAndResend(t *testing.T) {
	h := start(t, nil)
	h.api.sendErr = errors.New("boom")

	localID, err := h.s.Send(context.Background(), friend, model.Draft{Type: model.MessageTypeText, Payload: "hi"})
	if err == nil {
		t.Fatal("send error expected")
	}
	got := h.s.Messages(room)
	if len(got) != 1 || got[0].ID != localID || got[0].Status != model.MessageStatusFailed {
		t.Fatalf("after failure = %+v", got)
	}

	h.api.mu.Lock()
	h.api.sendErr = nil
	h.api.mu.Unlock()
	if err := h.s.Resend(context.Background(), room, localID); err != nil {
		t.Fatal(err)
	}
	got = h.s.Messages(room)
	if len(got) != 1 || got[0].ID != "42" || got[0].LocalID != localID {
		t.Fatalf("after resend = %+v", got)
	}
	if err := h.s.Resend(context.Background(), room, localID); err == nil {
		t.Fatal("resend of a confirmed message must fail")
	}
}

func TestSendValidation(t *testing.T) {
	h := start(t, nil)
	if _, err := h.s.Send(context.Background(), friend, model.Draft{Type: model.MessageTypeText, Payload: "  "}); !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("empty draft: %v", err)
	}
	if _, err := h.s.Send(context.Background(), self, model.Draft{Type: model.MessageTypeText, Payload: "x"}); !errors.Is(err, ErrNotPeerRoom) {
		t.Fatalf("self send: %v", err)
	}
	if err := h.s.Resend(context.Background(), "8_9", "local-x"); !errors.Is(err, ErrNotPeerRoom) {
		t.Fatalf("foreign room: %v", err)
	}
}

func TestActiveRoomMessagesAreReadNotCounted(t *testing.T) {
	notifier := &fakeNotifier{}
	h := start(t, func(o *Options) { o.Notifier = notifier })
	h.knowFriends(t, nil, friend, 9)
	if _, err := h.s.OpenRoom(context.Background(), friend); err != nil {
		t.Fatal(err)
	}
	h.tr.emit(messageFrame(room, "5", friend, 5))
	h.tr.emit(messageFrame("3_9", "6", 9, 6))
	h.flush(t)

	if h.s.Unread(room) != 0 || h.s.Unread("3_9") != 1 {
		t.Fatalf("unread active=%d other=%d", h.s.Unread(room), h.s.Unread("3_9"))
	}
	if m, _ := h.s.store.Get(room, "5"); m.Status != model.MessageStatusRead {
		t.Fatalf("active room message status = %s", m.Status)
	}
	eventually(t, "mark read and notification", func() bool {
		h.api.mu.Lock()
		read := slices.Contains(h.api.read, "5")
		h.api.mu.Unlock()
		return read && notifier.len() == 1
	})

	if err := h.s.CloseRoom(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.tr.emit(messageFrame(room, "7", friend, 7))
	h.flush(t)
	if h.s.Unread(room) != 1 {
		t.Fatalf("unread after close = %d", h.s.Unread(room))
	}
}

func TestOpenRoomHistoryFailureKeepsSession(t *testing.T) {
	h := start(t, nil)
	h.api.historyErr = errors.New("unavailable")
	r, err := h.s.OpenRoom(context.Background(), friend)
	if err == nil || r != room {
		t.Fatalf("open = %q, %v", r, err)
	}
	if h.s.ActiveRoom() != room || len(h.s.Messages(room)) != 0 {
		t.Fatal("room must be active and empty")
	}
	h.tr.emit(messageFrame(room, "1", friend, 1))
	h.flush(t)
	if len(h.s.Messages(room)) != 1 {
		t.Fatal("session stopped routing after history failure")
	}
}

func TestLoadOlderPages(t *testing.T) {
	h := start(t, func(o *Options) { o.HistoryPageSize = 2 })
	h.api.history = []model.Message{msg("1", friend, 1), msg("2", friend, 2), msg("3", friend, 3)}
	if _, err := h.s.OpenRoom(context.Background(), friend); err != nil {
		t.Fatal(err)
	}
	if got := ids(h.s.Messages(room)); !slices.Equal(got, []string{"2", "3"}) {
		t.Fatalf("first page = %v", got)
	}
	n, err := h.s.LoadOlder(context.Background(), friend)
	if err != nil || n != 1 {
		t.Fatalf("older = %d, %v", n, err)
	}
	if n, _ := h.s.LoadOlder(context.Background(), friend); n != 0 {
		t.Fatalf("past the beginning = %d", n)
	}
	if got := ids(h.s.Messages(room)); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Fatalf("all = %v", got)
	}
}

func TestUnknownFriendPatchReloads(t *testing.T) {
	h := start(t, nil)
	h.api.conversations = []model.ConversationSummary{{Friend: model.Friend{ID: 9, Username: "bob"}, LastActivity: epoch}}
	h.tr.emit(`{"type":"conversation:update","data":{"friend_id":9,"unread_count":2}}`)
	eventually(t, "reload", func() bool { return len(h.s.Conversations()) == 1 })
}

func TestReadReceiptMarksOwnMessages(t *testing.T) {
	h := start(t, nil)
	h.tr.emit(`{"type":"read:receipt","data":{"room_id":"3_7","message_ids":[11]}}`)
	h.tr.emit(messageFrame(room, "11", self, 1))
	h.flush(t)
	if m, _ := h.s.store.Get(room, "11"); m.Status != model.MessageStatusRead {
		t.Fatalf("status = %s", m.Status)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := memory.New()
	h := start(t, func(o *Options) { o.Checkpoints = store })
	h.api.conversations = []model.ConversationSummary{{Friend: model.Friend{ID: friend, Username: "ann"}, UnreadCount: 2, LastActivity: epoch}}
	if err := h.s.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.s.Stop()

	cp, err := store.LoadCheckpoint(context.Background(), self)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Unread[room] != 2 || len(cp.Conversations) != 1 {
		t.Fatalf("checkpoint = %+v", cp)
	}

	next := New(Options{Self: self, API: newFakeAPI(), Transport: &fakeTransport{}, Clock: clock.NewFake(epoch), Checkpoints: store})
	if err := next.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer next.Stop()
	if next.Unread(room) != 2 || len(next.Conversations()) != 1 {
		t.Fatal("checkpoint not restored")
	}
	if err := store.DeleteCheckpoint(context.Background(), self); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadCheckpoint(context.Background(), self); !errors.Is(err, storage.ErrNoCheckpoint) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestLocalTypingSignals(t *testing.T) {
	h := start(t, nil)
	if err := h.s.NotifyTyping(room); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(3 * time.Second)
	h.tr.mu.Lock()
	n := len(h.tr.sent)
	h.tr.mu.Unlock()
	if n != 2 {
		t.Fatalf("sent %d frames, want start and stop", n)
	}
	if err := h.s.NotifyTyping("8_9"); !errors.Is(err, ErrNotPeerRoom) {
		t.Fatalf("foreign room: %v", err)
	}
}
