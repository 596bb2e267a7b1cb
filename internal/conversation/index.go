// Package conversation derives room ids and keeps the conversation list.
package conversation

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

// DeriveRoomID returns the room shared by two users: "<min>_<max>".
// DeriveRoomID(a, b) == DeriveRoomID(b, a).
func DeriveRoomID(a, b model.UserID) model.RoomID {
	if a > b {
		a, b = b, a
	}
	return model.RoomID(strconv.FormatInt(int64(a), 10) + "_" + strconv.FormatInt(int64(b), 10))
}

// Peer returns the member of room that is not self.
func Peer(room model.RoomID, self model.UserID) (model.UserID, bool) {
	lo, hi, ok := strings.Cut(string(room), "_")
	if !ok {
		return 0, false
	}
	a, errA := strconv.ParseInt(lo, 10, 64)
	b, errB := strconv.ParseInt(hi, 10, 64)
	if errA != nil || errB != nil {
		return 0, false
	}
	switch self {
	case model.UserID(a):
		return model.UserID(b), true
	case model.UserID(b):
		return model.UserID(a), true
	}
	return 0, false
}

// Change is published after a reload (RoomID empty) or a patch of a single room.
type Change struct {
	RoomID   model.RoomID
	Reloaded bool
}

type Index struct {
	self model.UserID

	mu       sync.RWMutex
	rows     map[model.RoomID]model.ConversationSummary
	byFriend map[model.UserID]model.RoomID

	changes observer.Subject[Change]
}

func NewIndex(self model.UserID) *Index {
	return &Index{
		self:     self,
		rows:     make(map[model.RoomID]model.ConversationSummary),
		byFriend: make(map[model.UserID]model.RoomID),
	}
}

func (x *Index) Subscribe(fn func(Change)) (dispose func()) {
	return x.changes.Subscribe(fn)
}

func (x *Index) normalize(s model.ConversationSummary) model.ConversationSummary {
	s.RoomID = DeriveRoomID(x.self, s.Friend.ID)
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	if s.LastMessage != nil {
		lm := *s.LastMessage
		lm.RoomID = s.RoomID
		s.LastMessage = &lm
		if lm.CreatedAt.After(s.LastActivity) {
			s.LastActivity = lm.CreatedAt
		}
	}
	return s
}

// Load replaces the whole list.
func (x *Index) Load(summaries []model.ConversationSummary) {
	rows := make(map[model.RoomID]model.ConversationSummary, len(summaries))
	byFriend := make(map[model.UserID]model.RoomID, len(summaries))
	for _, s := range summaries {
		if s.Friend.ID <= 0 || s.Friend.ID == x.self {
			continue
		}
		s = x.normalize(s)
		rows[s.RoomID] = s
		byFriend[s.Friend.ID] = s.RoomID
	}
	x.mu.Lock()
	x.rows = rows
	x.byFriend = byFriend
	x.mu.Unlock()

	x.changes.Publish(Change{Reloaded: true})
}

// ApplyConversationPatch updates the row of a known friend. For an unknown friend nothing
// is synthesized and needsReload is true.
func (x *Index) ApplyConversationPatch(p model.ConversationPatch) (needsReload bool) {
	x.mu.Lock()
	room, ok := x.byFriend[p.FriendID]
	if !ok {
		x.mu.Unlock()
		return true
	}
	row := x.rows[room]
	changed := false
	if p.LastMessage != nil {
		lm := *p.LastMessage
		lm.RoomID = room
		if row.LastMessage == nil || model.Compare(row.LastMessage, &lm) < 0 {
			row.LastMessage = &lm
			changed = true
		}
		if lm.CreatedAt.After(row.LastActivity) {
			row.LastActivity = lm.CreatedAt
			changed = true
		}
	}
	if p.UnreadCount != nil {
		n := max(*p.UnreadCount, 0)
		if n != row.UnreadCount {
			row.UnreadCount = n
			changed = true
		}
	}
	x.rows[room] = row
	x.mu.Unlock()

	if changed {
		x.changes.Publish(Change{RoomID: room})
	}
	return false
}

// List returns the rows by LastActivity descending, room id ascending on ties.
func (x *Index) List() []model.ConversationSummary {
	x.mu.RLock()
	out := make([]model.ConversationSummary, 0, len(x.rows))
	for _, r := range x.rows {
		out = append(out, r)
	}
	x.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.ConversationSummary) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(string(a.RoomID), string(b.RoomID))
	})
	return out
}

func (x *Index) Lookup(room model.RoomID) (model.ConversationSummary, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.rows[room]
	return r, ok
}

// LookupFriend returns the row of the conversation with friend.
func (x *Index) LookupFriend(friend model.UserID) (model.ConversationSummary, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	room, ok := x.byFriend[friend]
	if !ok {
		return model.ConversationSummary{}, false
	}
	return x.rows[room], true
}

// Friends returns the friend record of every row, by id.
func (x *Index) Friends() []model.Friend {
	x.mu.RLock()
	out := make([]model.Friend, 0, len(x.rows))
	for _, r := range x.rows {
		out = append(out, r.Friend)
	}
	x.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Friend) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// UnreadCounts returns the server counters of every row, zeros included.
func (x *Index) UnreadCounts() map[model.RoomID]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[model.RoomID]int, len(x.rows))
	for room, r := range x.rows {
		out[room] = r.UnreadCount
	}
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rows)
}
