// Package clock abstracts time for debounce/TTL timers so they can be driven
// deterministically in tests, and wraps timers as scoped resources with guaranteed cancellation.
package clock

import (
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running; it reports whether the timer was still pending.
	Stop() bool
}

// Clock supplies the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Scoped owns at most one pending timer. Reset replaces it, Stop and Close cancel it.
// A callback that raced with Reset/Stop is suppressed by a generation check.
type Scoped struct {
	clk    Clock
	mu     sync.Mutex
	t      Timer
	gen    uint64
	closed bool
}

func NewScoped(clk Clock) *Scoped {
	return &Scoped{clk: clk}
}

// Reset cancels any pending callback and schedules f after d.
// After Close, Reset does nothing.
func (s *Scoped) Reset(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.t != nil {
		s.t.Stop()
	}
	s.gen++
	gen := s.gen
	s.t = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		s.t = nil
		s.mu.Unlock()
		f()
	})
}

// Stop cancels the pending callback and reports whether one was pending.
func (s *Scoped) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return false
	}
	s.t.Stop()
	s.t = nil
	s.gen++
	return true
}

// Active reports whether a callback is pending.
func (s *Scoped) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}

// Close cancels the pending callback and disables the timer for good.
func (s *Scoped) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
	s.closed = true
}

// Keyed is a set of Scoped timers addressed by key, e.g. one typing-stop timer per room.
type Keyed[K comparable] struct {
	clk    Clock
	mu     sync.Mutex
	timers map[K]*Scoped
	closed bool
}

func NewKeyed[K comparable](clk Clock) *Keyed[K] {
	return &Keyed[K]{clk: clk, timers: make(map[K]*Scoped)}
}

// Reset (re)arms the timer for k.
func (k *Keyed[K]) Reset(key K, d time.Duration, f func()) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	s, ok := k.timers[key]
	if !ok {
		s = NewScoped(k.clk)
		k.timers[key] = s
	}
	k.mu.Unlock()
	s.Reset(d, func() {
		k.mu.Lock()
		if cur, ok := k.timers[key]; ok && cur == s && !s.Active() {
			delete(k.timers, key)
		}
		k.mu.Unlock()
		f()
	})
}

// Stop cancels the timer for key and reports whether it was pending.
func (k *Keyed[K]) Stop(key K) bool {
	k.mu.Lock()
	s, ok := k.timers[key]
	delete(k.timers, key)
	k.mu.Unlock()
	if !ok {
		return false
	}
	stopped := s.Stop()
	s.Close()
	return stopped
}

// Active reports whether a timer for key is pending.
func (k *Keyed[K]) Active(key K) bool {
	k.mu.Lock()
	s, ok := k.timers[key]
	k.mu.Unlock()
	return ok && s.Active()
}

// Close cancels every timer and disables the set.
func (k *Keyed[K]) Close() {
	k.mu.Lock()
	timers := k.timers
	k.timers = make(map[K]*Scoped)
	k.closed = true
	k.mu.Unlock()
	for _, s := range timers {
		s.Close()
	}
}
