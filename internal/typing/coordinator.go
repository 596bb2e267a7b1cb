// Package typing debounces the local user's typing signals and expires remote typing indicators.
package typing

import (
	"slices"
	"sync"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

const (
	DefaultWindow = 3 * time.Second
	DefaultTTL    = 5 * time.Second
)

// Signaler delivers outgoing frames, normally the connection manager.
type Signaler interface {
	Send(v any) error
}

// Change carries the remote users currently typing in a room.
type Change struct {
	RoomID model.RoomID
	Users  []model.UserID
}

type remoteKey struct {
	room model.RoomID
	user model.UserID
}

type Coordinator struct {
	clk    clock.Clock
	window time.Duration
	ttl    time.Duration
	out    Signaler

	stops  *clock.Keyed[model.RoomID]
	expiry *clock.Keyed[remoteKey]

	mu     sync.Mutex
	local  map[model.RoomID]bool
	remote map[model.RoomID]map[model.UserID]time.Time

	changes observer.Subject[Change]
}

// New creates a coordinator. Zero window or ttl take the defaults.
func New(clk clock.Clock, out Signaler, window, ttl time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		clk:    clk,
		window: window,
		ttl:    ttl,
		out:    out,
		stops:  clock.NewKeyed[model.RoomID](clk),
		expiry: clock.NewKeyed[remoteKey](clk),
		local:  make(map[model.RoomID]bool),
		remote: make(map[model.RoomID]map[model.UserID]time.Time),
	}
}

func (c *Coordinator) Subscribe(fn func(Change)) (dispose func()) {
	return c.changes.Subscribe(fn)
}

func (c *Coordinator) signal(room model.RoomID, start bool) {
	if c.out == nil {
		return
	}
	if err := c.out.Send(event.NewTyping(room, start)); err != nil {
		logger.Debugf("typing signal %s start=%v dropped: %v", room, start, err)
	}
}

// NotifyTyping handles a local keystroke: the first one after idle emits typing:start,
// every one re-arms the stop timer.
func (c *Coordinator) NotifyTyping(room model.RoomID) {
	if room == "" {
		return
	}
	c.mu.Lock()
	first := !c.local[room]
	c.local[room] = true
	c.mu.Unlock()

	if first {
		c.signal(room, true)
	}
	c.stops.Reset(room, c.window, func() { c.stopLocal(room) })
}

func (c *Coordinator) stopLocal(room model.RoomID) {
	c.mu.Lock()
	was := c.local[room]
	delete(c.local, room)
	c.mu.Unlock()
	if was {
		c.signal(room, false)
	}
}

// MessageSent ends the local typing state of room immediately.
func (c *Coordinator) MessageSent(room model.RoomID) {
	c.stops.Stop(room)
	c.stopLocal(room)
}

// CancelRoom cancels the pending stop timer on a room switch and emits the stop.
func (c *Coordinator) CancelRoom(room model.RoomID) {
	c.stops.Stop(room)
	c.stopLocal(room)
}

// LocalTyping reports whether a typing:start was emitted for room and not yet stopped.
func (c *Coordinator) LocalTyping(room model.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[room]
}

// ApplyStart records a remote typing:start; the indicator expires after the TTL unless refreshed.
func (c *Coordinator) ApplyStart(room model.RoomID, user model.UserID) {
	key := remoteKey{room: room, user: user}
	c.mu.Lock()
	users, ok := c.remote[room]
	if !ok {
		users = make(map[model.UserID]time.Time)
		c.remote[room] = users
	}
	users[user] = c.clk.Now().Add(c.ttl)
	c.mu.Unlock()

	c.expiry.Reset(key, c.ttl, func() { c.expire(key) })
	c.publish(room)
}

func (c *Coordinator) expire(key remoteKey) {
	c.mu.Lock()
	exp, ok := c.remote[key.room][key.user]
	if !ok || c.clk.Now().Before(exp) {
		c.mu.Unlock()
		return
	}
	c.removeLocked(key)
	c.mu.Unlock()
	c.publish(key.room)
}

func (c *Coordinator) removeLocked(key remoteKey) bool {
	users, ok := c.remote[key.room]
	if !ok {
		return false
	}
	if _, ok := users[key.user]; !ok {
		return false
	}
	delete(users, key.user)
	if len(users) == 0 {
		delete(c.remote, key.room)
	}
	return true
}

// ApplyStop clears a remote indicator on an explicit typing:stop.
func (c *Coordinator) ApplyStop(room model.RoomID, user model.UserID) {
	c.clear(remoteKey{room: room, user: user})
}

// ClearUser clears the indicator of user in room; a message from that user ends their typing.
func (c *Coordinator) ClearUser(room model.RoomID, user model.UserID) {
	c.clear(remoteKey{room: room, user: user})
}

func (c *Coordinator) clear(key remoteKey) {
	c.expiry.Stop(key)
	c.mu.Lock()
	removed := c.removeLocked(key)
	c.mu.Unlock()
	if removed {
		c.publish(key.room)
	}
}

// IsTyping returns the users typing in room, sorted, after purging expired entries.
func (c *Coordinator) IsTyping(room model.RoomID) []model.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked(room)
}

func (c *Coordinator) typingLocked(room model.RoomID) []model.UserID {
	now := c.clk.Now()
	out := []model.UserID{}
	for user, exp := range c.remote[room] {
		if now.After(exp) {
			c.removeLocked(remoteKey{room: room, user: user})
			continue
		}
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

// Entries returns the live indicators of room.
func (c *Coordinator) Entries(room model.RoomID) []model.TypingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typingLocked(room)
	out := make([]model.TypingEntry, 0, len(users))
	for _, u := range users {
		out = append(out, model.TypingEntry{RoomID: room, UserID: u, ExpiresAt: c.remote[room][u]})
	}
	return out
}

func (c *Coordinator) publish(room model.RoomID) {
	c.changes.Publish(Change{RoomID: room, Users: c.IsTyping(room)})
}

// Close cancels every pending timer. Pending local stops are not emitted.
func (c *Coordinator) Close() {
	c.stops.Close()
	c.expiry.Close()
	c.mu.Lock()
	c.local = make(map[model.RoomID]bool)
	c.remote = make(map[model.RoomID]map[model.UserID]time.Time)
	c.mu.Unlock()
}
