// Package reactive provides the minimal observable primitives the sync
// engine consumes: a value holder that can be read, written and subscribed
// to, a subscriber list, and a mutation notifier that brackets batch
// operations with will/has-mutated events.
//
// Derived values (views, relation references) are pull-based: they compare
// a version counter on read and recompute only when a dependency moved.
// There is no dependency-tracking runtime here.
package reactive
