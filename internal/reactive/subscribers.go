package reactive

import (
	"slices"
	"sync"
)

// Subscription cancels a registered callback.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the callback. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Subscribers is a list of callbacks notified in registration order.
//
// Callbacks are invoked outside the internal lock, so a callback may
// subscribe, unsubscribe, or notify again without deadlocking.
type Subscribers[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe registers fn and returns its subscription.
func (s *Subscribers[T]) Subscribe(fn func(T)) *Subscription {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}}
}

// Notify calls every registered callback with v.
func (s *Subscribers[T]) Notify(v T) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (s *Subscribers[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
