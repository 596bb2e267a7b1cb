// Package presence tracks the online state of friends.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/observer"
)

// Fetcher answers a batched presence query.
type Fetcher interface {
	PresenceSnapshot(ctx context.Context, ids []model.UserID) ([]model.PresenceEntry, error)
}

type liveEntry struct {
	entry    model.PresenceEntry
	observed time.Time
}

// Tracker merges live presence events and snapshots, latest observation wins.
// Users without a live entry fall back to the flag of their friend record.
type Tracker struct {
	clk   clock.Clock
	fetch Fetcher

	mu       sync.RWMutex
	live     map[model.UserID]liveEntry
	fallback map[model.UserID]model.PresenceEntry

	changes observer.Subject[model.PresenceEntry]
}

func NewTracker(clk clock.Clock, fetch Fetcher) *Tracker {
	return &Tracker{
		clk:      clk,
		fetch:    fetch,
		live:     make(map[model.UserID]liveEntry),
		fallback: make(map[model.UserID]model.PresenceEntry),
	}
}

// Subscribe is notified with the resulting entry after every accepted mutation.
func (t *Tracker) Subscribe(fn func(model.PresenceEntry)) (dispose func()) {
	return t.changes.Subscribe(fn)
}

// SeedFriends records the static presence of friend records as fallback.
func (t *Tracker) SeedFriends(friends []model.Friend) {
	t.mu.Lock()
	for _, f := range friends {
		if f.ID <= 0 {
			continue
		}
		t.fallback[f.ID] = model.PresenceEntry{UserID: f.ID, IsOnline: f.IsOnline, LastSeen: f.LastSeen}
	}
	t.mu.Unlock()
}

// Restore seeds fallback entries from a checkpoint. Restored entries never count as live.
func (t *Tracker) Restore(entries []model.PresenceEntry) {
	t.mu.Lock()
	for _, e := range entries {
		if e.UserID <= 0 {
			continue
		}
		if _, ok := t.fallback[e.UserID]; ok {
			continue
		}
		e.Live = false
		t.fallback[e.UserID] = e
	}
	t.mu.Unlock()
}

// ApplyUpdate applies a live presence event observed now.
func (t *Tracker) ApplyUpdate(userID model.UserID, isOnline bool, lastSeen *time.Time) bool {
	return t.apply(userID, isOnline, lastSeen, t.clk.Now())
}

func (t *Tracker) apply(userID model.UserID, isOnline bool, lastSeen *time.Time, observed time.Time) bool {
	if userID <= 0 {
		return false
	}
	t.mu.Lock()
	cur, ok := t.live[userID]
	if ok && cur.observed.After(observed) {
		t.mu.Unlock()
		return false
	}
	next := model.PresenceEntry{UserID: userID, IsOnline: isOnline, Live: true}
	if ok {
		next.LastSeen = cur.entry.LastSeen
	} else if fb, has := t.fallback[userID]; has {
		next.LastSeen = fb.LastSeen
	}
	switch {
	case lastSeen != nil && lastSeen.After(next.LastSeen):
		next.LastSeen = *lastSeen
	case lastSeen == nil && !isOnline && observed.After(next.LastSeen):
		next.LastSeen = observed
	}
	t.live[userID] = liveEntry{entry: next, observed: observed}
	t.mu.Unlock()

	t.changes.Publish(next)
	return true
}

// RequestSnapshot fetches the presence of ids in one batched call. Duplicates and
// invalid ids are dropped; an empty list issues no request. Results carry the time the
// request was issued, so a live event received meanwhile is not overwritten.
func (t *Tracker) RequestSnapshot(ctx context.Context, ids []model.UserID) error {
	uniq := make([]model.UserID, 0, len(ids))
	seen := make(map[model.UserID]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 || t.fetch == nil {
		return nil
	}
	slices.Sort(uniq)

	issued := t.clk.Now()
	entries, err := t.fetch.PresenceSnapshot(ctx, uniq)
	if err != nil {
		return fmt.Errorf("presence.RequestSnapshot: %w", err)
	}
	for _, e := range entries {
		if _, asked := seen[e.UserID]; !asked {
			continue
		}
		var ls *time.Time
		if !e.LastSeen.IsZero() {
			v := e.LastSeen
			ls = &v
		}
		t.apply(e.UserID, e.IsOnline, ls, issued)
	}
	return nil
}

// Get answers from the live entry, then the friend record, then offline.
func (t *Tracker) Get(userID model.UserID) model.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.live[userID]; ok {
		return e.entry
	}
	if fb, ok := t.fallback[userID]; ok {
		fb.Live = false
		return fb
	}
	return model.PresenceEntry{UserID: userID}
}

// Known lists every user with a live or fallback entry.
func (t *Tracker) Known() []model.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.UserID, 0, len(t.live)+len(t.fallback))
	for id := range t.live {
		out = append(out, id)
	}
	for id := range t.fallback {
		if _, ok := t.live[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Entries returns the current answer for every known user.
func (t *Tracker) Entries() []model.PresenceEntry {
	ids := t.Known()
	out := make([]model.PresenceEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Get(id))
	}
	return out
}

// Reset forgets everything (logout).
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.live = make(map[model.UserID]liveEntry)
	t.fallback = make(map[model.UserID]model.PresenceEntry)
	t.mu.Unlock()
}
