package reactive

import "sync"

// Phase is the bracket side of a mutation notification.
type Phase int

const (
	WillMutate Phase = iota
	HasMutated
)

func (p Phase) String() string {
	if p == WillMutate {
		return "will-mutate"
	}
	return "has-mutated"
}

// MutationEvent is delivered to Notifier subscribers.
type MutationEvent struct {
	Phase   Phase
	Version uint64
}

// Notifier brackets collection mutations.
//
// Nested Batch calls collapse into the outermost one, so a range operation
// built from single-item operations still fires exactly one will/has pair.
// A batch that reports no change fires will-mutate but the version does not
// move; subscribers see has-mutated with the unchanged version.
type Notifier struct {
	mu      sync.Mutex
	depth   int
	dirty   bool
	version uint64
	subs    Subscribers[MutationEvent]
}

// Version returns a counter bumped once per batch that changed something.
func (n *Notifier) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// Subscribe registers fn for will/has-mutated events.
func (n *Notifier) Subscribe(fn func(MutationEvent)) *Subscription {
	return n.subs.Subscribe(fn)
}

// Batch runs fn inside a mutation bracket. fn returns whether it changed
// the collection. Returns what fn returned.
func (n *Notifier) Batch(fn func() bool) bool {
	n.mu.Lock()
	outer := n.depth == 0
	n.depth++
	if outer {
		n.dirty = false
	}
	version := n.version
	n.mu.Unlock()

	if outer {
		n.subs.Notify(MutationEvent{Phase: WillMutate, Version: version})
	}

	changed := false
	defer func() {
		n.mu.Lock()
		if changed {
			n.dirty = true
		}
		n.depth--
		fire := n.depth == 0
		if fire && n.dirty {
			n.version++
		}
		version := n.version
		n.mu.Unlock()

		if fire {
			n.subs.Notify(MutationEvent{Phase: HasMutated, Version: version})
		}
	}()

	changed = fn()
	return changed
}

// Touch marks a change outside of any batch, firing one bracket.
func (n *Notifier) Touch() {
	n.Batch(func() bool { return true })
}
