package engine

import (
	"context"
	"errors"

	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/push"
)

type ChangeKind string

const (
	KindMessages      ChangeKind = "messages"
	KindPresence      ChangeKind = "presence"
	KindTyping        ChangeKind = "typing"
	KindUnread        ChangeKind = "unread"
	KindConversations ChangeKind = "conversations"
	KindConnection    ChangeKind = "connection"
)

// Change tells subscribers which part of the state moved; they read the new value through the getters.
type Change struct {
	Kind   ChangeKind   `json:"kind"`
	RoomID model.RoomID `json:"room_id,omitempty"`
	UserID model.UserID `json:"user_id,omitempty"`
	State  string       `json:"state,omitempty"`
}

// handleFrame decodes one backend frame and routes it. Runs on the loop.
func (s *Session) handleFrame(raw []byte) {
	ev, err := event.Decode(raw)
	if err != nil {
		if errors.Is(err, event.ErrUnknownType) {
			metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
			logger.Debugf("engine: %v", err)
			return
		}
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		logger.Errorf("engine: dropping frame: %v", err)
		return
	}
	metrics.EventsRouted.WithLabelValues(string(ev.Type())).Inc()
	s.route(ev)
}

func (s *Session) route(ev event.Event) {
	switch e := ev.(type) {
	case event.MessageNew:
		s.onMessage(e.RoomID, e.Message)
	case event.TypingStart:
		if e.UserID != s.opts.Self {
			s.typing.ApplyStart(e.RoomID, e.UserID)
		}
	case event.TypingStop:
		if e.UserID != s.opts.Self {
			s.typing.ApplyStop(e.RoomID, e.UserID)
		}
	case event.PresenceUpdate:
		if e.UserID != s.opts.Self {
			s.presence.ApplyUpdate(e.UserID, e.IsOnline, e.LastSeen)
		}
	case event.ConversationUpdate:
		s.onConversationPatch(e.Patch)
	case event.ReadReceipt:
		if n := s.store.ApplyReadReceipt(e.RoomID, e.MessageIDs); n > 0 {
			room, ids := e.RoomID, e.MessageIDs
			s.archiveRead(room, ids)
		}
	default:
		logger.Errorf("engine: unhandled event %T", ev)
	}
}

// onMessage applies a message from the live stream. Runs on the loop.
// A message for a room the local user is not part of is dropped as malformed.
func (s *Session) onMessage(room model.RoomID, m model.Message) {
	peer, ok := conversation.Peer(room, s.opts.Self)
	if !ok {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		logger.Errorf("engine: message %s for foreign room=%s dropped", m.ID, room)
		return
	}
	if !s.store.Append(room, m) {
		metrics.DuplicateMessages.Inc()
		return
	}
	m.RoomID = room
	s.typing.ClearUser(room, m.SenderID)
	s.unread.OnMessage(m)

	lm := m
	if s.index.ApplyConversationPatch(model.ConversationPatch{FriendID: peer, LastMessage: &lm}) {
		s.requestResync("reload")
	}
	s.archive(m)

	if m.SenderID == s.opts.Self {
		return
	}
	if room == s.activeRoom() {
		s.markRead(room, []string{m.ID})
		return
	}
	s.notify(m)
}

func (s *Session) onConversationPatch(p model.ConversationPatch) {
	if p.FriendID <= 0 || p.FriendID == s.opts.Self {
		logger.Errorf("engine: conversation patch with friend_id=%d dropped", p.FriendID)
		return
	}
	if s.index.ApplyConversationPatch(p) {
		s.requestResync("reload")
		return
	}
	if p.UnreadCount == nil {
		return
	}
	room := conversation.DeriveRoomID(s.opts.Self, p.FriendID)
	if room == s.activeRoom() {
		return
	}
	s.unread.Set(room, *p.UnreadCount)
}

func (s *Session) archive(msgs ...model.Message) {
	if s.opts.Archive == nil || len(msgs) == 0 {
		return
	}
	batch := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsLocal() {
			batch = append(batch, m)
		}
	}
	if len(batch) == 0 {
		return
	}
	s.background(func(ctx context.Context) {
		if err := s.opts.Archive.Upsert(ctx, batch); err != nil {
			logger.Errorf("engine: archive %d messages: %v", len(batch), err)
		}
	})
}

func (s *Session) archiveRead(room model.RoomID, ids []string) {
	if s.opts.Archive == nil || len(ids) == 0 {
		return
	}
	s.background(func(ctx context.Context) {
		if err := s.opts.Archive.MarkRead(ctx, room, ids); err != nil {
			logger.Errorf("engine: archive read room=%s: %v", room, err)
		}
	})
}

// markRead reports ids as read by the local user in the background and applies it locally.
func (s *Session) markRead(room model.RoomID, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.store.ApplyReadReceipt(room, ids)
	s.background(func(ctx context.Context) {
		if err := s.opts.API.MarkRead(ctx, ids); err != nil {
			logger.Errorf("engine: mark read room=%s: %v", room, err)
		}
	})
	s.archiveRead(room, ids)
}

func (s *Session) notify(m model.Message) {
	if s.opts.Notifier == nil {
		return
	}
	title := "New message"
	if row, ok := s.index.LookupFriend(m.SenderID); ok && row.Friend.Username != "" {
		title = row.Friend.Username
	}
	body := m.Payload
	switch m.Type {
	case model.MessageTypeImage:
		body = "Photo"
	case model.MessageTypeVoice:
		body = "Voice message"
	}
	p := push.Payload{
		Title: title,
		Body:  body,
		Data:  map[string]string{"room_id": string(m.RoomID), "message_id": m.ID},
	}
	s.background(func(ctx context.Context) {
		s.opts.Notifier.Notify(ctx, p)
	})
}
