package reactive

import (
	"reflect"
	"sync"
)

// Value is an observable value holder.
type Value[T any] struct {
	mu      sync.RWMutex
	v       T
	version uint64
	equal   func(a, b T) bool
	subs    Subscribers[T]
}

// NewValue creates a Value holding v.
// Writes that are reflect.DeepEqual to the current value are ignored.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v, equal: func(a, b T) bool { return reflect.DeepEqual(a, b) }}
}

// NewValueFunc creates a Value using equal to suppress no-op writes.
func NewValueFunc[T any](v T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{v: v, equal: equal}
}

// Get returns the current value.
func (x *Value[T]) Get() T {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.v
}

// Version returns a counter incremented on every effective write.
func (x *Value[T]) Version() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.version
}

// Set stores v and notifies subscribers. Returns false when v equals the
// current value and nothing was notified.
func (x *Value[T]) Set(v T) bool {
	x.mu.Lock()
	if x.equal != nil && x.equal(x.v, v) {
		x.mu.Unlock()
		return false
	}
	x.v = v
	x.version++
	x.mu.Unlock()

	x.subs.Notify(v)
	return true
}

// Subscribe registers fn to receive every effective write.
func (x *Value[T]) Subscribe(fn func(T)) *Subscription {
	return x.subs.Subscribe(fn)
}
