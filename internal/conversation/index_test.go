package conversation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

func TestDeriveRoomIDSymmetric(t *testing.T) {
	if got := DeriveRoomID(7, 3); got != "3_7" {
		t.Fatalf("got %q", got)
	}
	if got := DeriveRoomID(10, 9); got != "9_10" {
		t.Fatalf("numeric ordering: got %q", got)
	}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		a := model.UserID(rng.Int63n(1 << 40))
		b := model.UserID(rng.Int63n(1 << 40))
		if DeriveRoomID(a, b) != DeriveRoomID(b, a) {
			t.Fatalf("asymmetric for %d, %d", a, b)
		}
	}
}

func TestPeer(t *testing.T) {
	if p, ok := Peer("3_7", 3); !ok || p != 7 {
		t.Fatalf("peer = %d %v", p, ok)
	}
	if p, ok := Peer("3_7", 7); !ok || p != 3 {
		t.Fatalf("peer = %d %v", p, ok)
	}
	for _, bad := range []model.RoomID{"", "3", "a_b", "1_2"} {
		if _, ok := Peer(bad, 3); ok {
			t.Fatalf("%q accepted", bad)
		}
	}
}

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func row(friend model.UserID, at time.Time, unread int) model.ConversationSummary {
	return model.ConversationSummary{
		Friend:       model.Friend{ID: friend, Username: "u"},
		LastActivity: at,
		UnreadCount:  unread,
	}
}

func TestLoadNormalizesAndSorts(t *testing.T) {
	x := NewIndex(3)
	x.Load([]model.ConversationSummary{
		row(7, t0, 1),
		row(9, t0.Add(time.Minute), 0),
		row(5, t0, -4),
		row(3, t0, 0),
	})
	list := x.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].RoomID != "3_9" || list[1].RoomID != "3_5" || list[2].RoomID != "3_7" {
		t.Fatalf("order = %s %s %s", list[0].RoomID, list[1].RoomID, list[2].RoomID)
	}
	if r, _ := x.Lookup("3_5"); r.UnreadCount != 0 {
		t.Fatalf("negative unread kept: %d", r.UnreadCount)
	}
}

func TestPatchKnownFriend(t *testing.T) {
	x := NewIndex(3)
	x.Load([]model.ConversationSummary{row(7, t0, 0), row(9, t0.Add(time.Minute), 0)})

	newer := &model.Message{ID: "5", SenderID: 7, CreatedAt: t0.Add(time.Hour)}
	two := 2
	if x.ApplyConversationPatch(model.ConversationPatch{FriendID: 7, LastMessage: newer, UnreadCount: &two}) {
		t.Fatal("known friend requested reload")
	}
	r, _ := x.LookupFriend(7)
	if r.LastMessage.ID != "5" || r.UnreadCount != 2 || !r.LastActivity.Equal(newer.CreatedAt) {
		t.Fatalf("row = %+v", r)
	}
	if x.List()[0].RoomID != "3_7" {
		t.Fatal("patched row did not move to the top")
	}

	older := &model.Message{ID: "4", SenderID: 7, CreatedAt: t0}
	x.ApplyConversationPatch(model.ConversationPatch{FriendID: 7, LastMessage: older})
	r, _ = x.LookupFriend(7)
	if r.LastMessage.ID != "5" || !r.LastActivity.Equal(newer.CreatedAt) {
		t.Fatalf("older patch regressed row: %+v", r)
	}
}

func TestPatchUnknownFriendNeedsReload(t *testing.T) {
	x := NewIndex(3)
	x.Load([]model.ConversationSummary{row(7, t0, 0)})
	n := 0
	x.Subscribe(func(Change) { n++ })
	if !x.ApplyConversationPatch(model.ConversationPatch{FriendID: 11}) {
		t.Fatal("unknown friend did not request reload")
	}
	if x.Len() != 1 || n != 0 {
		t.Fatalf("row synthesized or notified: len=%d n=%d", x.Len(), n)
	}
}

func TestFriendsAndUnreadCounts(t *testing.T) {
	x := NewIndex(3)
	x.Load([]model.ConversationSummary{row(9, t0, 0), row(7, t0, 4)})
	f := x.Friends()
	if len(f) != 2 || f[0].ID != 7 || f[1].ID != 9 {
		t.Fatalf("friends = %+v", f)
	}
	u := x.UnreadCounts()
	if u["3_7"] != 4 || u["3_9"] != 0 || len(u) != 2 {
		t.Fatalf("unread = %v", u)
	}
}
