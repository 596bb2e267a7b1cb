package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
)

// OpenRoom makes the conversation with friendID the active room: the previous room's typing
// signal is cancelled, the counter is reset and suppressed, the room is seeded from the
// archive then from REST, and unread peer messages are marked read.
// A history failure is returned but leaves the session usable.
func (s *Session) OpenRoom(ctx context.Context, friendID model.UserID) (model.RoomID, error) {
	if friendID <= 0 || friendID == s.opts.Self {
		return "", fmt.Errorf("engine.OpenRoom %d: %w", friendID, ErrNotPeerRoom)
	}
	room := conversation.DeriveRoomID(s.opts.Self, friendID)
	err := s.do(ctx, func() {
		s.mu.Lock()
		prev := s.active
		s.active = room
		s.mu.Unlock()
		if prev != "" && prev != room {
			s.typing.CancelRoom(prev)
		}
		s.unread.SetActiveRoom(room)
		s.unread.ResetRoom(room)
	})
	if err != nil {
		return "", err
	}

	if s.opts.Archive != nil {
		cached, err := s.opts.Archive.Recent(ctx, room, s.opts.HistoryPageSize)
		if err != nil {
			logger.Errorf("engine: archive seed room=%s: %v", room, err)
		} else if len(cached) > 0 {
			if err := s.do(ctx, func() { s.store.Seed(room, cached) }); err != nil {
				return room, err
			}
		}
	}

	if _, err := s.fetchPage(ctx, room, friendID, 0); err != nil {
		logger.Errorf("engine: history room=%s: %v", room, err)
		return room, err
	}
	return room, nil
}

// fetchPage fetches one history page, seeds it and, if the room is still active, marks
// read what the peer sent. It returns how many messages were new.
func (s *Session) fetchPage(ctx context.Context, room model.RoomID, friendID model.UserID, skip int) (int, error) {
	defer logger.DeferLogDuration("history "+string(room), time.Now())()
	msgs, err := s.opts.API.History(ctx, friendID, skip, s.opts.HistoryPageSize)
	if err != nil {
		return 0, fmt.Errorf("engine.History %s: %w", room, err)
	}
	added := 0
	err = s.do(ctx, func() {
		added = s.store.Seed(room, msgs)
		s.archive(msgs...)
		if s.activeRoom() == room {
			s.markRead(room, s.store.UnreadFrom(room, friendID))
		}
	})
	return added, err
}

// CloseRoom сбрасывает активную комнату.
func (s *Session) CloseRoom(ctx context.Context) error {
	return s.do(ctx, func() {
		s.mu.Lock()
		prev := s.active
		s.active = ""
		s.mu.Unlock()
		if prev != "" {
			s.typing.CancelRoom(prev)
		}
		s.unread.SetActiveRoom("")
	})
}

// LoadOlder fetches the page before what is loaded and returns how many messages were new;
// zero means the beginning of the conversation was reached.
func (s *Session) LoadOlder(ctx context.Context, friendID model.UserID) (int, error) {
	if friendID <= 0 || friendID == s.opts.Self {
		return 0, fmt.Errorf("engine.LoadOlder %d: %w", friendID, ErrNotPeerRoom)
	}
	room := conversation.DeriveRoomID(s.opts.Self, friendID)
	return s.fetchPage(ctx, room, friendID, s.store.ServerCount(room))
}

// Send shows the draft at once under a local id and submits it. On failure the entry
// stays in the room as failed and the local id is still returned for Resend.
func (s *Session) Send(ctx context.Context, friendID model.UserID, d model.Draft) (string, error) {
	if friendID <= 0 || friendID == s.opts.Self {
		return "", fmt.Errorf("engine.Send %d: %w", friendID, ErrNotPeerRoom)
	}
	if !d.Type.Valid() || strings.TrimSpace(d.Payload) == "" {
		return "", fmt.Errorf("engine.Send: %w", ErrInvalidDraft)
	}
	room := conversation.DeriveRoomID(s.opts.Self, friendID)
	var localID string
	err := s.do(ctx, func() {
		localID = s.store.MarkSending(room, model.Message{
			SenderID:   s.opts.Self,
			ReceiverID: friendID,
			Type:       d.Type,
			Payload:    d.Payload,
			CreatedAt:  s.opts.Clock.Now(),
		})
		s.typing.MessageSent(room)
	})
	if err != nil {
		return "", err
	}
	return localID, s.submit(ctx, room, friendID, localID, d)
}

// Resend submits a failed message again under the same local id.
func (s *Session) Resend(ctx context.Context, room model.RoomID, localID string) error {
	friendID, ok := conversation.Peer(room, s.opts.Self)
	if !ok {
		return fmt.Errorf("engine.Resend %s: %w", room, ErrNotPeerRoom)
	}
	var (
		m   model.Message
		err error
	)
	if derr := s.do(ctx, func() { m, err = s.store.PrepareResend(room, localID) }); derr != nil {
		return derr
	}
	if err != nil {
		return fmt.Errorf("engine.Resend: %w", err)
	}
	return s.submit(ctx, room, friendID, localID, model.Draft{Type: m.Type, Payload: m.Payload})
}

func (s *Session) submit(ctx context.Context, room model.RoomID, friendID model.UserID, localID string, d model.Draft) error {
	server, sendErr := s.opts.API.SendMessage(ctx, friendID, d, localID)
	if sendErr != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		logger.Errorf("engine: send room=%s local=%s: %v", room, localID, sendErr)
		// ctx may be the reason the send failed; the failed mark must still land.
		markCtx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		if err := s.do(markCtx, func() {
			if err := s.store.MarkFailed(room, localID); err != nil {
				logger.Debugf("engine: mark failed: %v", err)
			}
		}); err != nil {
			logger.Errorf("engine: mark failed room=%s: %v", room, err)
		}
		return fmt.Errorf("engine.Send: %w", sendErr)
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()

	applyCtx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	return s.do(applyCtx, func() {
		if err := s.store.Reconcile(room, localID, server); err != nil {
			logger.Errorf("engine: reconcile room=%s local=%s: %v", room, localID, err)
			return
		}
		confirmed, _ := s.store.Get(room, server.ID)
		if s.index.ApplyConversationPatch(model.ConversationPatch{FriendID: friendID, LastMessage: &confirmed}) {
			s.requestResync("reload")
		}
		s.archive(confirmed)
	})
}

// NotifyTyping reports a keystroke of the local user in room.
func (s *Session) NotifyTyping(room model.RoomID) error {
	if _, ok := conversation.Peer(room, s.opts.Self); !ok {
		return fmt.Errorf("engine.NotifyTyping %s: %w", room, ErrNotPeerRoom)
	}
	s.typing.NotifyTyping(room)
	return nil
}
