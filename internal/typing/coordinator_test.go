package typing

import (
	"testing"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/model"
)

type recorder struct {
	sent []event.Outgoing
}

func (r *recorder) Send(v any) error {
	r.sent = append(r.sent, v.(event.Outgoing))
	return nil
}

func (r *recorder) types() []event.Type {
	out := make([]event.Type, len(r.sent))
	for i, o := range r.sent {
		out[i] = o.Type
	}
	return out
}

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestLocalDebounce(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := &recorder{}
	c := New(clk, rec, 3*time.Second, 5*time.Second)
	defer c.Close()

	c.NotifyTyping("1_2")
	clk.Advance(time.Second)
	c.NotifyTyping("1_2")
	clk.Advance(2 * time.Second)
	c.NotifyTyping("1_2")
	if got := rec.types(); len(got) != 1 || got[0] != event.TypeTypingStart {
		t.Fatalf("sent = %v, want a single start", got)
	}

	clk.Advance(3 * time.Second)
	got := rec.types()
	if len(got) != 2 || got[1] != event.TypeTypingStop {
		t.Fatalf("sent = %v, want start then stop", got)
	}
	if sig := rec.sent[1].Data.(event.TypingSignal); sig.RoomID != "1_2" {
		t.Fatalf("stop room = %q", sig.RoomID)
	}

	c.NotifyTyping("1_2")
	if got := rec.types(); len(got) != 3 || got[2] != event.TypeTypingStart {
		t.Fatalf("typing after idle must start again, sent = %v", got)
	}
}

func TestMessageSentStopsImmediately(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := &recorder{}
	c := New(clk, rec, 0, 0)

	c.NotifyTyping("1_2")
	c.MessageSent("1_2")
	clk.Advance(10 * time.Second)
	if got := rec.types(); len(got) != 2 || got[1] != event.TypeTypingStop {
		t.Fatalf("sent = %v", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d", clk.Pending())
	}
}

func TestCancelRoomOnSwitch(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := &recorder{}
	c := New(clk, rec, 0, 0)

	c.NotifyTyping("1_2")
	c.CancelRoom("1_2")
	if c.LocalTyping("1_2") {
		t.Fatal("room still typing after cancel")
	}
	clk.Advance(time.Minute)
	if len(rec.sent) != 2 {
		t.Fatalf("sent = %v, want start and one stop", rec.types())
	}
}

func TestRemoteAutoExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(clk, nil, 3*time.Second, 5*time.Second)
	var changes []Change
	c.Subscribe(func(ch Change) { changes = append(changes, ch) })

	c.ApplyStart("1_2", 2)
	if got := c.IsTyping("1_2"); len(got) != 1 || got[0] != 2 {
		t.Fatalf("typing = %v", got)
	}
	clk.Advance(5100 * time.Millisecond)
	if got := c.IsTyping("1_2"); len(got) != 0 {
		t.Fatalf("typing after ttl = %v", got)
	}
	last := changes[len(changes)-1]
	if len(last.Users) != 0 {
		t.Fatalf("expiry did not notify, last change = %+v", last)
	}
}

func TestRemoteRefreshExtendsTTL(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(clk, nil, 0, 0)
	c.ApplyStart("1_2", 2)
	clk.Advance(4 * time.Second)
	c.ApplyStart("1_2", 2)
	clk.Advance(4 * time.Second)
	if got := c.IsTyping("1_2"); len(got) != 1 {
		t.Fatalf("refreshed indicator expired early: %v", got)
	}
	clk.Advance(1100 * time.Millisecond)
	if got := c.IsTyping("1_2"); len(got) != 0 {
		t.Fatalf("typing = %v", got)
	}
}

func TestStopAndClearUser(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(clk, nil, 0, 0)
	c.ApplyStart("1_2", 2)
	c.ApplyStart("1_3", 3)
	c.ApplyStop("1_2", 2)
	c.ClearUser("1_3", 3)
	if len(c.IsTyping("1_2")) != 0 || len(c.IsTyping("1_3")) != 0 {
		t.Fatal("indicators not cleared")
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d", clk.Pending())
	}
}

func TestEntriesCarryExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(clk, nil, 0, 0)
	c.ApplyStart("1_2", 2)
	e := c.Entries("1_2")
	if len(e) != 1 || !e[0].ExpiresAt.Equal(t0.Add(DefaultTTL)) || e[0].UserID != model.UserID(2) {
		t.Fatalf("entries = %+v", e)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := &recorder{}
	c := New(clk, rec, 0, 0)
	c.NotifyTyping("1_2")
	c.ApplyStart("1_2", 2)
	c.Close()
	clk.Advance(time.Minute)
	if len(rec.sent) != 1 {
		t.Fatalf("timer fired after close: %v", rec.types())
	}
}
