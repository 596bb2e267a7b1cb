// Package observer provides typed subscribe/unsubscribe with disposers.
package observer

import (
	"slices"
	"sync"
)

// Subject fans a value of type T out to its subscribers.
// The zero value is ready to use.
type Subject[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe registers fn and returns a disposer. Calling the disposer more than once is a no-op.
func (s *Subject[T]) Subscribe(fn func(T)) (dispose func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber in registration order.
// Callbacks run outside the lock so they may subscribe or dispose.
func (s *Subject[T]) Publish(v T) {
	s.mu.RLock()
	if len(s.subs) == 0 {
		s.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscriptions.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Clear drops every subscription (session teardown).
func (s *Subject[T]) Clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

// Disposers collects disposers so a view can release all of them at once.
type Disposers struct {
	mu  sync.Mutex
	fns []func()
}

// Add keeps d for a later Dispose.
func (d *Disposers) Add(fns ...func()) {
	d.mu.Lock()
	d.fns = append(d.fns, fns...)
	d.mu.Unlock()
}

// Dispose calls every collected disposer in reverse order and forgets them.
func (d *Disposers) Dispose() {
	d.mu.Lock()
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
