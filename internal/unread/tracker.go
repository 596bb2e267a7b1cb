// Package unread keeps per-room unread counters.
package unread

import (
	"maps"
	"sync"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

// Change reports the new value of one room and the new total.
type Change struct {
	RoomID model.RoomID
	Count  int
	Total  int
}

// Tracker counts unread messages per room. Counters are never negative.
// Messages in the active room and messages sent by self are not counted.
type Tracker struct {
	self model.UserID

	mu     sync.RWMutex
	counts map[model.RoomID]int
	active model.RoomID

	changes observer.Subject[Change]
}

func NewTracker(self model.UserID) *Tracker {
	return &Tracker{self: self, counts: make(map[model.RoomID]int)}
}

func (t *Tracker) Subscribe(fn func(Change)) (dispose func()) {
	return t.changes.Subscribe(fn)
}

func (t *Tracker) totalLocked() int {
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// setLocked stores v for room and returns the change to publish, if any.
func (t *Tracker) setLocked(room model.RoomID, v int) (Change, bool) {
	if v < 0 {
		v = 0
	}
	if t.counts[room] == v {
		return Change{}, false
	}
	if v == 0 {
		delete(t.counts, room)
	} else {
		t.counts[room] = v
	}
	return Change{RoomID: room, Count: v, Total: t.totalLocked()}, true
}

func (t *Tracker) update(room model.RoomID, fn func(cur int) int) {
	t.mu.Lock()
	ch, ok := t.setLocked(room, fn(t.counts[room]))
	t.mu.Unlock()
	if ok {
		t.changes.Publish(ch)
	}
}

// Increment adds n to room. n <= 0 is ignored.
func (t *Tracker) Increment(room model.RoomID, n int) {
	if n <= 0 || room == "" {
		return
	}
	t.update(room, func(cur int) int { return cur + n })
}

// Decrement subtracts n from room, clamping at zero. n <= 0 is ignored.
func (t *Tracker) Decrement(room model.RoomID, n int) {
	if n <= 0 {
		return
	}
	t.update(room, func(cur int) int { return cur - n })
}

func (t *Tracker) ResetRoom(room model.RoomID) {
	t.update(room, func(int) int { return 0 })
}

// Set takes the counter of a single room from the server (conversation:update).
func (t *Tracker) Set(room model.RoomID, n int) {
	t.update(room, func(int) int { return n })
}

// SetActiveRoom suppresses counting for room; "" clears the suppression.
func (t *Tracker) SetActiveRoom(room model.RoomID) {
	t.mu.Lock()
	t.active = room
	t.mu.Unlock()
}

func (t *Tracker) ActiveRoom() model.RoomID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// OnMessage counts a newly inserted message and reports whether it was counted.
func (t *Tracker) OnMessage(m model.Message) bool {
	if m.SenderID == t.self || m.RoomID == "" {
		return false
	}
	t.mu.Lock()
	if m.RoomID == t.active {
		t.mu.Unlock()
		return false
	}
	ch, ok := t.setLocked(m.RoomID, t.counts[m.RoomID]+1)
	t.mu.Unlock()
	if ok {
		t.changes.Publish(ch)
	}
	return true
}

// ApplyServerSnapshot replaces every counter by the server's. Rooms missing from the
// snapshot drop to zero; negative values clamp to zero.
func (t *Tracker) ApplyServerSnapshot(snap map[model.RoomID]int) {
	t.mu.Lock()
	var out []Change
	for room := range t.counts {
		if _, ok := snap[room]; !ok {
			if ch, changed := t.setLocked(room, 0); changed {
				out = append(out, ch)
			}
		}
	}
	for room, n := range snap {
		if room == "" {
			continue
		}
		if ch, changed := t.setLocked(room, n); changed {
			out = append(out, ch)
		}
	}
	t.mu.Unlock()
	for _, ch := range out {
		t.changes.Publish(ch)
	}
}

func (t *Tracker) Get(room model.RoomID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[room]
}

func (t *Tracker) GetTotal() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalLocked()
}

// Snapshot copies the non-zero counters.
func (t *Tracker) Snapshot() map[model.RoomID]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.counts)
}
