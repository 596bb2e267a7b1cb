// Package engine wires the sync components into one session and routes backend events to them.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagestore"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/unread"
)

const (
	taskQueueSize = 256
	ioQueueSize   = 256
	ioTimeout     = 10 * time.Second
)

var (
	// ErrStopped is returned by operations on a session that is not running.
	ErrStopped = errors.New("session stopped")
	// ErrInvalidDraft is returned by Send for an empty or untyped draft.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrNotPeerRoom is returned when a room id does not include the local user.
	ErrNotPeerRoom = errors.New("room does not belong to the local user")
)

// API is the backend REST surface the session needs.
type API interface {
	History(ctx context.Context, friendID model.UserID, skip, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, receiverID model.UserID, d model.Draft, localID string) (model.Message, error)
	Conversations(ctx context.Context) ([]model.ConversationSummary, error)
	MarkRead(ctx context.Context, ids []string) error
	Friends(ctx context.Context) ([]model.Friend, error)
	PresenceSnapshot(ctx context.Context, ids []model.UserID) ([]model.PresenceEntry, error)
}

// Transport is the backend event connection.
type Transport interface {
	Connect(ctx context.Context)
	Disconnect()
	Send(v any) error
	OnStateChange(fn func(conn.StateChange)) (dispose func())
	OnFrame(fn func([]byte)) (dispose func())
}

// Archive — локальный кэш сообщений, из него комната заполняется до ответа REST.
type Archive interface {
	Upsert(ctx context.Context, msgs []model.Message) error
	Recent(ctx context.Context, room model.RoomID, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, room model.RoomID, ids []string) error
}

// Notifier отправляет уведомление о сообщении в комнате, которая сейчас не открыта.
type Notifier interface {
	Notify(ctx context.Context, p push.Payload) int
}

type Options struct {
	Self      model.UserID
	API       API
	Transport Transport
	Clock     clock.Clock

	// Optional.
	Archive     Archive
	Checkpoints storage.CheckpointStore
	Notifier    Notifier

	TypingWindow         time.Duration
	TypingTTL            time.Duration
	HistoryPageSize      int
	UnreadResyncInterval time.Duration
	MinResyncGap         time.Duration
}

// Session is one signed-in user's sync state.
// Lifecycle: New -> Start(ctx) -> operations -> Stop.
type Session struct {
	opts Options

	store    *messagestore.Store
	presence *presence.Tracker
	typing   *typing.Coordinator
	unread   *unread.Tracker
	index    *conversation.Index

	tasks   chan func()
	io      chan func(context.Context)
	resyncs chan string
	limiter *rate.Limiter
	// resyncMu serializes resync runs; the limiter spaces them.
	resyncMu sync.Mutex

	mu      sync.Mutex
	active  model.RoomID
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
	wg      sync.WaitGroup
	ioWG    sync.WaitGroup

	connState atomic.Int32

	disposers observer.Disposers
	changes   observer.Subject[Change]
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	if opts.MinResyncGap <= 0 {
		opts.MinResyncGap = time.Second
	}
	s := &Session{
		opts:     opts,
		store:    messagestore.New(),
		presence: presence.NewTracker(opts.Clock, opts.API),
		typing:   typing.New(opts.Clock, opts.Transport, opts.TypingWindow, opts.TypingTTL),
		unread:   unread.NewTracker(opts.Self),
		index:    conversation.NewIndex(opts.Self),
		tasks:    make(chan func(), taskQueueSize),
		io:       make(chan func(context.Context), ioQueueSize),
		resyncs:  make(chan string, 1),
		limiter:  rate.NewLimiter(rate.Every(opts.MinResyncGap), 1),
		stopped:  make(chan struct{}),
	}
	s.connState.Store(int32(conn.Disconnected))
	return s
}

func (s *Session) Self() model.UserID { return s.opts.Self }

// Start restores the last checkpoint, starts the loop and connects.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopped:
		s.mu.Unlock()
		return ErrStopped
	default:
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.restore(ctx)

	s.disposers.Add(
		s.store.Subscribe(func(c messagestore.RoomChange) {
			s.changes.Publish(Change{Kind: KindMessages, RoomID: c.RoomID})
		}),
		s.presence.Subscribe(func(e model.PresenceEntry) {
			s.changes.Publish(Change{Kind: KindPresence, UserID: e.UserID})
		}),
		s.typing.Subscribe(func(c typing.Change) {
			s.changes.Publish(Change{Kind: KindTyping, RoomID: c.RoomID})
		}),
		s.unread.Subscribe(func(c unread.Change) {
			metrics.UnreadTotal.Set(float64(c.Total))
			s.changes.Publish(Change{Kind: KindUnread, RoomID: c.RoomID})
		}),
		s.index.Subscribe(func(c conversation.Change) {
			s.changes.Publish(Change{Kind: KindConversations, RoomID: c.RoomID})
		}),
		s.opts.Transport.OnFrame(func(raw []byte) {
			if err := s.post(ctx, func() { s.handleFrame(raw) }); err != nil {
				metrics.EventsDropped.WithLabelValues("stopped").Inc()
			}
		}),
		s.opts.Transport.OnStateChange(s.onConnState),
	)

	s.wg.Add(3)
	go s.loop(ctx)
	go s.resyncLoop(ctx)
	go s.periodic(ctx)
	s.ioWG.Add(1)
	go s.ioLoop()

	s.opts.Transport.Connect(ctx)
	logger.Infof("session started self=%d", s.opts.Self)
	return nil
}

// Stop disconnects, drains background writes, saves a checkpoint and releases timers.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.opts.Transport.Disconnect()
	s.disposers.Dispose()
	cancel()
	s.wg.Wait()
	close(s.stopped)

	close(s.io)
	s.ioWG.Wait()

	s.typing.Close()

	ctx, done := context.WithTimeout(context.Background(), ioTimeout)
	defer done()
	s.saveCheckpoint(ctx)
	logger.Infof("session stopped self=%d", s.opts.Self)
}

// Subscribe delivers every state change of the session.
func (s *Session) Subscribe(fn func(Change)) (dispose func()) {
	return s.changes.Subscribe(fn)
}

func (s *Session) onConnState(sc conn.StateChange) {
	s.connState.Store(int32(sc.State))
	s.changes.Publish(Change{Kind: KindConnection, State: sc.State.String()})
	switch {
	case sc.State == conn.Connected:
		s.requestResync("connected")
	case errors.Is(sc.Err, conn.ErrGaveUp):
		logger.Errorf("session self=%d: backend unreachable after %d attempts", s.opts.Self, sc.Attempt)
	}
}

// loop выполняет задачи по одной.
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.tasks:
			s.run(fn)
		}
	}
}

func (s *Session) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsDropped.WithLabelValues("panic").Inc()
			logger.Errorf("engine: task panicked: %v", r)
		}
	}()
	fn()
}

// post queues fn on the loop without waiting for it.
func (s *Session) post(ctx context.Context, fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// Flush waits until every task queued before it has run.
func (s *Session) Flush(ctx context.Context) error {
	return s.do(ctx, func() {})
}

// background queues a write that must not hold up the loop (archive, markRead, push).
func (s *Session) background(fn func(context.Context)) {
	defer func() {
		// io is closed by Stop; late writes are dropped.
		if recover() != nil {
			metrics.EventsDropped.WithLabelValues("stopped").Inc()
		}
	}()
	select {
	case s.io <- fn:
	default:
		metrics.EventsDropped.WithLabelValues("io_queue_full").Inc()
		logger.Errorf("engine: background queue full, write dropped")
	}
}

func (s *Session) ioLoop() {
	defer s.ioWG.Done()
	for fn := range s.io {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("engine: background write panicked: %v", r)
				}
			}()
			fn(ctx)
		}()
		cancel()
	}
}

func (s *Session) periodic(ctx context.Context) {
	defer s.wg.Done()
	if s.opts.UnreadResyncInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.opts.UnreadResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.State(s.connState.Load()) == conn.Connected {
				s.requestResync("periodic")
			}
		}
	}
}

func (s *Session) restore(ctx context.Context) {
	if s.opts.Checkpoints == nil {
		return
	}
	cp, err := s.opts.Checkpoints.LoadCheckpoint(ctx, s.opts.Self)
	if err != nil {
		if !errors.Is(err, storage.ErrNoCheckpoint) {
			logger.Errorf("session self=%d: load checkpoint: %v", s.opts.Self, err)
		}
		return
	}
	s.index.Load(cp.Conversations)
	s.unread.ApplyServerSnapshot(cp.Unread)
	s.presence.Restore(cp.Presence)
	logger.Infof("session self=%d: restored checkpoint from %s (%d conversations)",
		s.opts.Self, cp.SavedAt.Format(time.RFC3339), len(cp.Conversations))
}

func (s *Session) saveCheckpoint(ctx context.Context) {
	if s.opts.Checkpoints == nil {
		return
	}
	cp := storage.Checkpoint{
		Unread:        s.unread.Snapshot(),
		Conversations: s.index.List(),
		Presence:      s.presence.Entries(),
		SavedAt:       s.opts.Clock.Now(),
	}
	if err := s.opts.Checkpoints.SaveCheckpoint(ctx, s.opts.Self, cp); err != nil {
		logger.Errorf("session self=%d: save checkpoint: %v", s.opts.Self, err)
	}
}

func (s *Session) activeRoom() model.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
