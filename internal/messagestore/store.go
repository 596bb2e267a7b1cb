// Package messagestore keeps the per-room ordered message log.
//
// The visible list of a room is the union by id of everything seeded from REST history
// and everything appended from the live stream, sorted by (created_at, id). Two copies of
// the same id merge field by field (higher status, later created_at), so applying any set of inputs
// in any order, any number of times, produces the same list.
package messagestore

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

var (
	// ErrUnknownLocalID is returned when no optimistic entry carries the given local id.
	ErrUnknownLocalID = errors.New("unknown local id")
	// ErrInvalidMessage is returned for a server message without an id.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFailed is returned when resending a message that has not failed.
	ErrNotFailed = errors.New("message is not in failed state")
)

type ChangeKind string

const (
	ChangeSeeded     ChangeKind = "seeded"
	ChangeAppended   ChangeKind = "appended"
	ChangeSending    ChangeKind = "sending"
	ChangeReconciled ChangeKind = "reconciled"
	ChangeFailed     ChangeKind = "failed"
	ChangeStatus     ChangeKind = "status"
)

// RoomChange публикуется после каждой мутации, изменившей список комнаты.
type RoomChange struct {
	RoomID model.RoomID
	Kind   ChangeKind
}

type roomLog struct {
	msgs []model.Message
	// read holds ids the peer has read; it outlives the messages so a receipt that
	// overtakes its message is still applied when the message arrives.
	read map[string]struct{}
}

func (r *roomLog) indexOf(id string) int {
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *roomLog) sort() {
	slices.SortStableFunc(r.msgs, func(a, b model.Message) int {
		return model.Compare(&a, &b)
	})
}

type Store struct {
	mu      sync.RWMutex
	rooms   map[model.RoomID]*roomLog
	newID   func() string
	changes observer.Subject[RoomChange]
}

func New() *Store {
	return &Store{
		rooms: make(map[model.RoomID]*roomLog),
		newID: func() string { return model.LocalIDPrefix + uuid.NewString() },
	}
}

func (s *Store) room(id model.RoomID) *roomLog {
	r, ok := s.rooms[id]
	if !ok {
		r = &roomLog{read: make(map[string]struct{})}
		s.rooms[id] = r
	}
	return r
}

// Subscribe registers fn for room changes. fn runs after the store lock is released.
func (s *Store) Subscribe(fn func(RoomChange)) (dispose func()) {
	return s.changes.Subscribe(fn)
}

// mergeCopies combines two copies of the same message id field by field: the higher
// status, the later created_at and the greater of every other field (so a set field beats
// an empty one). Each field is a max, which makes the merge commutative, associative and
// idempotent.
func mergeCopies(a, b model.Message) model.Message {
	out := a
	if c := cmp.Compare(b.Status.Rank(), a.Status.Rank()); c > 0 || c == 0 && b.Status > a.Status {
		out.Status = b.Status
	}
	if b.CreatedAt.After(a.CreatedAt) {
		out.CreatedAt = b.CreatedAt
	}
	out.Payload = max(a.Payload, b.Payload)
	out.LocalID = max(a.LocalID, b.LocalID)
	out.Type = max(a.Type, b.Type)
	out.SenderID = max(a.SenderID, b.SenderID)
	out.ReceiverID = max(a.ReceiverID, b.ReceiverID)
	return out
}

// upsert merges m into r and reports whether a new entry was inserted.
func upsert(r *roomLog, m model.Message) (inserted, changed bool) {
	if _, ok := r.read[m.ID]; ok && m.Status.Rank() < model.MessageStatusRead.Rank() {
		m.Status = model.MessageStatusRead
	}
	// A broadcast echoing the local id of a pending draft confirms that draft.
	draft := -1
	if m.LocalID != "" && !model.IsLocalID(m.ID) {
		draft = r.indexOf(m.LocalID)
	}
	if i := r.indexOf(m.ID); i >= 0 {
		merged := mergeCopies(r.msgs[i], m)
		if merged == r.msgs[i] && draft < 0 {
			return false, false
		}
		r.msgs[i] = merged
		if draft >= 0 {
			r.msgs = slices.Delete(r.msgs, draft, draft+1)
		}
		return false, true
	}
	if draft >= 0 {
		r.msgs[draft] = m
		return false, true
	}
	r.msgs = append(r.msgs, m)
	return true, true
}

// Seed merges a REST history page into the room. It returns how many messages were new.
// Invalid entries are skipped.
func (s *Store) Seed(roomID model.RoomID, history []model.Message) int {
	s.mu.Lock()
	r := s.room(roomID)
	added, dirty := 0, false
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		m.RoomID = roomID
		ins, ch := upsert(r, m)
		if ins {
			added++
		}
		dirty = dirty || ch
	}
	if dirty {
		r.sort()
	}
	s.mu.Unlock()

	if dirty {
		s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeSeeded})
	}
	return added
}

// Append merges one live message and reports whether it was not seen before.
// Applying the same message twice leaves the list unchanged.
func (s *Store) Append(roomID model.RoomID, m model.Message) bool {
	if m.ID == "" {
		return false
	}
	m.RoomID = roomID
	s.mu.Lock()
	r := s.room(roomID)
	inserted, changed := upsert(r, m)
	if changed {
		r.sort()
	}
	s.mu.Unlock()

	if changed {
		s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeAppended})
	}
	return inserted
}

// MarkSending inserts an optimistic draft under a fresh local id and returns that id.
func (s *Store) MarkSending(roomID model.RoomID, draft model.Message) string {
	id := s.newID()
	draft.ID = id
	draft.LocalID = id
	draft.RoomID = roomID
	draft.Status = model.MessageStatusSending

	s.mu.Lock()
	r := s.room(roomID)
	r.msgs = append(r.msgs, draft)
	r.sort()
	s.mu.Unlock()

	s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeSending})
	return id
}

// Reconcile replaces the optimistic entry localID by the server-confirmed message.
// If the server copy is already present (the broadcast won the race) the draft is
// dropped and both server copies merge. Repeating a reconcile is a no-op.
func (s *Store) Reconcile(roomID model.RoomID, localID string, server model.Message) error {
	if server.ID == "" || model.IsLocalID(server.ID) {
		return fmt.Errorf("messagestore.Reconcile %s: %w", localID, ErrInvalidMessage)
	}
	server.RoomID = roomID
	server.LocalID = localID
	if server.Status.Rank() < model.MessageStatusSent.Rank() {
		server.Status = model.MessageStatusSent
	}

	s.mu.Lock()
	r := s.room(roomID)
	if _, ok := r.read[server.ID]; ok {
		server.Status = model.MessageStatusRead
	}
	li := r.indexOf(localID)
	si := r.indexOf(server.ID)
	switch {
	case li >= 0 && si >= 0:
		r.msgs[si] = mergeCopies(r.msgs[si], server)
		r.msgs = slices.Delete(r.msgs, li, li+1)
	case li >= 0:
		r.msgs[li] = server
	case si >= 0:
		r.msgs[si] = mergeCopies(r.msgs[si], server)
	default:
		r.msgs = append(r.msgs, server)
	}
	r.sort()
	s.mu.Unlock()

	s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeReconciled})
	return nil
}

// MarkFailed moves a pending draft to failed. Failed drafts are never retried automatically.
func (s *Store) MarkFailed(roomID model.RoomID, localID string) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	i := -1
	if ok {
		i = r.indexOf(localID)
	}
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("messagestore.MarkFailed %s: %w", localID, ErrUnknownLocalID)
	}
	if r.msgs[i].Status != model.MessageStatusSending {
		s.mu.Unlock()
		return nil
	}
	r.msgs[i].Status = model.MessageStatusFailed
	s.mu.Unlock()

	s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeFailed})
	return nil
}

// PrepareResend flips a failed draft back to sending and returns it for resubmission.
func (s *Store) PrepareResend(roomID model.RoomID, localID string) (model.Message, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	i := -1
	if ok {
		i = r.indexOf(localID)
	}
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("messagestore.PrepareResend %s: %w", localID, ErrUnknownLocalID)
	}
	if r.msgs[i].Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("messagestore.PrepareResend %s: %w", localID, ErrNotFailed)
	}
	r.msgs[i].Status = model.MessageStatusSending
	m := r.msgs[i]
	s.mu.Unlock()

	s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeSending})
	return m, nil
}

// ApplyReadReceipt marks ids as read. Ids not yet known are remembered and applied on arrival.
func (s *Store) ApplyReadReceipt(roomID model.RoomID, ids []string) int {
	s.mu.Lock()
	r := s.room(roomID)
	changed := 0
	for _, id := range ids {
		r.read[id] = struct{}{}
		if i := r.indexOf(id); i >= 0 && r.msgs[i].Status.Rank() < model.MessageStatusRead.Rank() &&
			r.msgs[i].Status != model.MessageStatusFailed {
			r.msgs[i].Status = model.MessageStatusRead
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeStatus})
	}
	return changed
}

// ApplyStatus raises the status of a known message; lower statuses are ignored.
func (s *Store) ApplyStatus(roomID model.RoomID, id string, status model.MessageStatus) bool {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := r.indexOf(id)
	if i < 0 || status.Rank() <= r.msgs[i].Status.Rank() || status == model.MessageStatusFailed {
		s.mu.Unlock()
		return false
	}
	r.msgs[i].Status = status
	s.mu.Unlock()

	s.changes.Publish(RoomChange{RoomID: roomID, Kind: ChangeStatus})
	return true
}

// GetOrdered returns a copy of the room's list in (created_at, id) order.
func (s *Store) GetOrdered(roomID model.RoomID) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return []model.Message{}
	}
	return slices.Clone(r.msgs)
}

// Get returns the message with id, server or local.
func (s *Store) Get(roomID model.RoomID, id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Message{}, false
	}
	if i := r.indexOf(id); i >= 0 {
		return r.msgs[i], true
	}
	return model.Message{}, false
}

// Len returns the number of entries in the room, drafts included.
func (s *Store) Len(roomID model.RoomID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return len(r.msgs)
	}
	return 0
}

// ServerCount returns the number of server-confirmed entries; used as the skip of the next history page.
func (s *Store) ServerCount(roomID model.RoomID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	n := 0
	for i := range r.msgs {
		if !r.msgs[i].IsLocal() {
			n++
		}
	}
	return n
}

// Last returns the newest entry of the room.
func (s *Store) Last(roomID model.RoomID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok || len(r.msgs) == 0 {
		return model.Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

// UnreadFrom returns ids of server messages in the room sent by peer that are not read yet.
func (s *Store) UnreadFrom(roomID model.RoomID, peer model.UserID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var ids []string
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.SenderID == peer && !m.IsLocal() && m.Status != model.MessageStatusRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Rooms lists every room the store has seen.
func (s *Store) Rooms() []model.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset drops every room (logout).
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = make(map[model.RoomID]*roomLog)
	s.mu.Unlock()
}
