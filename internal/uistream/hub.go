// Package uistream pushes session state changes to connected UI clients over WebSocket.
package uistream

import (
	"context"
	"sync"

	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// Source is the session state the hub mirrors.
type Source interface {
	Subscribe(fn func(engine.Change)) (dispose func())
	Messages(room model.RoomID) []model.Message
	Conversations() []model.ConversationSummary
	Presence(user model.UserID) model.PresenceEntry
	Typing(room model.RoomID) []model.UserID
	Unread(room model.RoomID) int
	UnreadTotal() int
	UnreadSnapshot() map[model.RoomID]int
	ActiveRoom() model.RoomID
	ConnState() conn.State
	NotifyTyping(room model.RoomID) error
}

type Hub struct {
	src      Source
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(src Source, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Hub{
		src:        src,
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

// Run mirrors the source until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	dispose := h.src.Subscribe(h.onChange)
	defer dispose()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ui stream connection limit reached (%d), rejecting client=%s", h.maxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.sendToClient(c, h.snapshot())
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() OutgoingMessage {
	return OutgoingMessage{Type: EventSnapshot, Payload: SnapshotPayload{
		Connection:    h.src.ConnState().String(),
		ActiveRoom:    h.src.ActiveRoom(),
		Conversations: h.src.Conversations(),
		Unread:        h.src.UnreadSnapshot(),
		UnreadTotal:   h.src.UnreadTotal(),
	}}
}

// HandleMessage dispatches a UI request.
func (h *Hub) HandleMessage(c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventTyping:
		if err := h.src.NotifyTyping(msg.RoomID); err != nil {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: err.Error()})
		}
	case EventSnapshot:
		h.sendToClient(c, h.snapshot())
	case EventMessages:
		h.sendToClient(c, OutgoingMessage{Type: EventMessages, Payload: MessagesPayload{
			RoomID: msg.RoomID, Messages: h.src.Messages(msg.RoomID),
		}})
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

// onChange renders a session change and broadcasts it. Runs on the publisher's goroutine.
func (h *Hub) onChange(ch engine.Change) {
	if h.Len() == 0 {
		return
	}
	var msg OutgoingMessage
	switch ch.Kind {
	case engine.KindMessages:
		msg = OutgoingMessage{Type: EventMessages, Payload: MessagesPayload{RoomID: ch.RoomID, Messages: h.src.Messages(ch.RoomID)}}
	case engine.KindPresence:
		msg = OutgoingMessage{Type: EventPresence, Payload: h.src.Presence(ch.UserID)}
	case engine.KindTyping:
		msg = OutgoingMessage{Type: EventTyping, Payload: TypingPayload{RoomID: ch.RoomID, Users: h.src.Typing(ch.RoomID)}}
	case engine.KindUnread:
		msg = OutgoingMessage{Type: EventUnread, Payload: UnreadPayload{RoomID: ch.RoomID, Count: h.src.Unread(ch.RoomID), Total: h.src.UnreadTotal()}}
	case engine.KindConversations:
		msg = OutgoingMessage{Type: EventConversations, Payload: ConversationsPayload{Conversations: h.src.Conversations()}}
	case engine.KindConnection:
		msg = OutgoingMessage{Type: EventConnection, Payload: ConnectionPayload{State: ch.State}}
	default:
		return
	}
	h.Broadcast(msg)
}

// Broadcast sends msg to every client; slow clients are dropped.
func (h *Hub) Broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ui stream send buffer full, closing slow client=%s", c.id)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
