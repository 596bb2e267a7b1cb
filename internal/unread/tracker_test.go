package unread

import (
	"math/rand"
	"testing"

	"github.com/chatsync/internal/model"
)

const self = model.UserID(3)

func TestNeverNegative(t *testing.T) {
	tr := NewTracker(self)
	rng := rand.New(rand.NewSource(7))
	rooms := []model.RoomID{"1_3", "2_3", "3_4"}
	for i := 0; i < 500; i++ {
		room := rooms[rng.Intn(len(rooms))]
		n := rng.Intn(7) - 3
		switch rng.Intn(4) {
		case 0:
			tr.Increment(room, n)
		case 1:
			tr.Decrement(room, n)
		case 2:
			tr.ResetRoom(room)
		case 3:
			tr.ApplyServerSnapshot(map[model.RoomID]int{room: n})
		}
		for _, r := range rooms {
			if tr.Get(r) < 0 {
				t.Fatalf("step %d: %s = %d", i, r, tr.Get(r))
			}
		}
		if tr.GetTotal() < 0 {
			t.Fatalf("step %d: total = %d", i, tr.GetTotal())
		}
	}
}

func TestActiveRoomAndSelfSuppressed(t *testing.T) {
	tr := NewTracker(self)
	tr.SetActiveRoom("1_3")

	if tr.OnMessage(model.Message{RoomID: "1_3", SenderID: 1}) {
		t.Fatal("active room counted")
	}
	if tr.OnMessage(model.Message{RoomID: "2_3", SenderID: self}) {
		t.Fatal("own message counted")
	}
	if !tr.OnMessage(model.Message{RoomID: "2_3", SenderID: 2}) {
		t.Fatal("inactive room not counted")
	}
	if tr.Get("1_3") != 0 || tr.Get("2_3") != 1 || tr.GetTotal() != 1 {
		t.Fatalf("counts = %v", tr.Snapshot())
	}

	tr.SetActiveRoom("")
	tr.OnMessage(model.Message{RoomID: "1_3", SenderID: 1})
	if tr.Get("1_3") != 1 {
		t.Fatal("suppression not cleared")
	}
}

func TestSnapshotConverges(t *testing.T) {
	tr := NewTracker(self)
	tr.Increment("1_3", 5)
	tr.Increment("2_3", 2)
	tr.OnMessage(model.Message{RoomID: "3_4", SenderID: 4})

	snap := map[model.RoomID]int{"1_3": 1, "5_3": 4, "6_3": -2}
	tr.ApplyServerSnapshot(snap)

	want := map[model.RoomID]int{"1_3": 1, "5_3": 4}
	got := tr.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if tr.GetTotal() != 5 {
		t.Fatalf("total = %d", tr.GetTotal())
	}
}

func TestSubscribeReportsTotals(t *testing.T) {
	tr := NewTracker(self)
	var last Change
	n := 0
	dispose := tr.Subscribe(func(c Change) { last = c; n++ })
	tr.Increment("1_3", 2)
	tr.Increment("2_3", 1)
	tr.Increment("2_3", 0)
	if n != 2 || last.RoomID != "2_3" || last.Count != 1 || last.Total != 3 {
		t.Fatalf("n=%d last=%+v", n, last)
	}
	tr.ResetRoom("1_3")
	if last.Count != 0 || last.Total != 1 {
		t.Fatalf("last=%+v", last)
	}
	dispose()
	tr.Increment("1_3", 1)
	if n != 3 {
		t.Fatalf("notified after dispose, n=%d", n)
	}
}
