package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
)

// requestResync queues a background resync. A request made while one is already
// queued is folded into it: the queued run has not read any state yet.
func (s *Session) requestResync(trigger string) {
	select {
	case s.resyncs <- trigger:
	default:
		logger.Debugf("engine: resync (%s) folded into pending run", trigger)
	}
}

func (s *Session) resyncLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-s.resyncs:
			if err := s.resync(ctx, trigger); err != nil && ctx.Err() == nil {
				logger.Errorf("engine: resync (%s): %v", trigger, err)
			}
		}
	}
}

// Resync reloads conversations, unread counters, presence and the active room's newest
// page from the backend. Runs are spaced by the minimum resync gap; a call waits for its
// turn rather than being dropped.
func (s *Session) Resync(ctx context.Context) error {
	return s.resync(ctx, "manual")
}

func (s *Session) resync(ctx context.Context, trigger string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("engine.Resync: %w", err)
	}
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()
	metrics.Resyncs.WithLabelValues(trigger).Inc()
	defer logger.DeferLogDuration("resync "+trigger, time.Now())()

	var errs []error

	if conv, err := s.opts.API.Conversations(ctx); err != nil {
		errs = append(errs, err)
	} else if err := s.do(ctx, func() {
		s.index.Load(conv)
		snap := s.index.UnreadCounts()
		if active := s.activeRoom(); active != "" {
			delete(snap, active)
		}
		s.unread.ApplyServerSnapshot(snap)
	}); err != nil {
		return err
	}

	if friends, err := s.opts.API.Friends(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.presence.SeedFriends(friends)
	}
	s.presence.SeedFriends(s.index.Friends())
	if err := s.presence.RequestSnapshot(ctx, s.presence.Known()); err != nil {
		errs = append(errs, err)
	}

	if room := s.activeRoom(); room != "" {
		if friend, ok := conversation.Peer(room, s.opts.Self); ok {
			if _, err := s.fetchPage(ctx, room, friend, 0); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.saveCheckpoint(ctx)
	return errors.Join(errs...)
}
