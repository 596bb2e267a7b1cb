package engine

import (
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/model"
)

// Getters read component snapshots directly; they are safe from any goroutine.

func (s *Session) Messages(room model.RoomID) []model.Message {
	return s.store.GetOrdered(room)
}

// Conversations returns the conversation list with the local unread counters.
func (s *Session) Conversations() []model.ConversationSummary {
	rows := s.index.List()
	for i := range rows {
		rows[i].UnreadCount = s.unread.Get(rows[i].RoomID)
	}
	return rows
}

func (s *Session) Presence(user model.UserID) model.PresenceEntry {
	return s.presence.Get(user)
}

func (s *Session) Typing(room model.RoomID) []model.UserID {
	return s.typing.IsTyping(room)
}

func (s *Session) Unread(room model.RoomID) int {
	return s.unread.Get(room)
}

func (s *Session) UnreadTotal() int {
	return s.unread.GetTotal()
}

func (s *Session) UnreadSnapshot() map[model.RoomID]int {
	return s.unread.Snapshot()
}

func (s *Session) ActiveRoom() model.RoomID {
	return s.activeRoom()
}

func (s *Session) ConnState() conn.State {
	return conn.State(s.connState.Load())
}
