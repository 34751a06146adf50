package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/reactive"
)

// ErrNotMapped is returned for operations that need an owning set.
var ErrNotMapped = errors.New("mapping: entity is not mapped")

// Owner is the set an entity is mapped into.
type Owner interface {
	Name() string
	KeyField() string
	// BuildRelation materializes the view for one relation of e.
	BuildRelation(e *Entity, rel Relation) (RelationView, error)
	// InvokeAction runs a declared action against the remote source.
	InvokeAction(ctx context.Context, e *Entity, action string, params payload.Object) (any, error)
}

// RelationView is a materialized relation bound to its owning entity.
//
// This is a sealed set of kinds; see RelationKind.
type RelationView interface {
	Kind() RelationKind
	// Value is the relation's current content for local query evaluation:
	// a query.Record for One, a slice for Many and Remote, or nil.
	Value() any
	// Absorb attaches an embedded relation payload from a server response.
	Absorb(ctx context.Context, raw any) error
	// Close drops the view's subscriptions.
	Close()
}

// ChangeKind distinguishes entity notifications.
type ChangeKind int

const (
	FieldChanged ChangeKind = iota + 1
	StateChanged
)

// Change is delivered to entity subscribers after the edit is applied.
type Change struct {
	Kind   ChangeKind
	Entity *Entity

	// Field, Old and New describe a FieldChanged event.
	Field string
	Old   any
	New   any

	// From and To describe a StateChanged event.
	From State
	To   State
}

// Entity is a typed record plus the bookkeeping of its owning set.
//
// Fields, state and tracker are guarded by one mutex. Subscribers are
// notified after the mutex is released and may call back into the entity.
type Entity struct {
	mu         sync.RWMutex
	typ        string
	fields     payload.Object
	owner      Owner
	cfg        *Configuration
	state      State
	submitting bool
	tracker    ChangeTracker
	lastData   payload.Object
	relations  map[string]RelationView

	changes reactive.Subscribers[Change]
}

// NewEntity returns an unmapped entity holding a copy of fields.
func NewEntity(typ string, fields payload.Object) *Entity {
	if fields == nil {
		fields = payload.Object{}
	}
	return &Entity{typ: typ, fields: fields.Clone()}
}

// Type returns the entity's type tag.
func (e *Entity) Type() string {
	return e.typ
}

// Owner returns the owning set, or nil.
func (e *Entity) Owner() Owner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner
}

// IsMapped reports whether the entity carries mapping properties.
func (e *Entity) IsMapped() bool {
	return e.Owner() != nil
}

// Configuration returns the mapping configuration, nil when unmapped.
func (e *Entity) Configuration() *Configuration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// KeyField returns the owner's key field name, "" when unmapped.
func (e *Entity) KeyField() string {
	if o := e.Owner(); o != nil {
		return o.KeyField()
	}
	return ""
}

// Key returns the value of the key field.
func (e *Entity) Key() any {
	kf := e.KeyField()
	if kf == "" {
		return nil
	}
	return e.Get(kf)
}

// Get returns a plain field value.
func (e *Entity) Get(name string) any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fields[name]
}

// Field implements query.Record. Relation properties resolve to their
// views' values and the removed pseudo-field reflects the state.
func (e *Entity) Field(name string) (any, bool) {
	e.mu.RLock()
	if name == query.RemovedField {
		removed := e.state == StateRemoved
		e.mu.RUnlock()
		return removed, true
	}
	view, isRel := e.relations[name]
	v, ok := e.fields[name]
	e.mu.RUnlock()

	if isRel {
		return view.Value(), true
	}
	return v, ok
}

// Set writes one field and notifies subscribers. Writing an equal value
// or a relation property is a no-op. Returns whether the field changed.
func (e *Entity) Set(name string, value any) bool {
	e.mu.Lock()
	if _, isRel := e.relations[name]; isRel {
		e.mu.Unlock()
		return false
	}
	old, had := e.fields[name]
	if had && payload.Equal(old, value) {
		e.mu.Unlock()
		return false
	}
	e.fields[name] = value
	e.mu.Unlock()

	e.changes.Notify(Change{Kind: FieldChanged, Entity: e, Field: name, Old: old, New: value})
	return true
}

// SetFields writes several fields, notifying once per changed field in
// sorted field order.
func (e *Entity) SetFields(fields payload.Object) {
	for _, k := range fields.Keys() {
		e.Set(k, fields[k])
	}
}

// Fields returns a copy of the plain fields.
func (e *Entity) Fields() payload.Object {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fields.Clone()
}

// MappedFields returns a copy of the fields that are tracked and sent.
func (e *Entity) MappedFields() payload.Object {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mappedLocked()
}

func (e *Entity) mappedLocked() payload.Object {
	kf := ""
	if e.owner != nil {
		kf = e.owner.KeyField()
	}
	out := make(payload.Object, len(e.fields))
	for k, v := range e.fields {
		if e.cfg.Mapped(k, kf) {
			out[k] = v
		}
	}
	return out.Clone()
}

// State returns the lifecycle state.
func (e *Entity) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetState moves the entity to s if the transition is allowed.
func (e *Entity) SetState(s State) error {
	e.mu.Lock()
	if e.owner == nil {
		e.mu.Unlock()
		return ErrNotMapped
	}
	from := e.state
	if !CanTransition(from, s) {
		e.mu.Unlock()
		return fmt.Errorf("mapping: invalid state transition %s -> %s", from, s)
	}
	e.state = s
	e.mu.Unlock()

	e.notifyState(from, s)
	return nil
}

// forceState sets the state without transition checks.
func (e *Entity) forceState(s State) {
	e.mu.Lock()
	from := e.state
	e.state = s
	e.mu.Unlock()
	e.notifyState(from, s)
}

func (e *Entity) notifyState(from, to State) {
	if from != to {
		e.changes.Notify(Change{Kind: StateChanged, Entity: e, From: from, To: to})
	}
}

// HasChanges reports whether the mapped fields differ from the snapshot
// or the modified flag is set.
//
// Reading it corrects the state in both directions: an unchanged entity
// with changes becomes modified, a modified entity without changes
// becomes unchanged.
func (e *Entity) HasChanges() bool {
	e.mu.Lock()
	changed := e.tracker.HasChanges(e.mappedLocked())
	from := e.state
	switch {
	case changed && from == StateUnchanged:
		e.state = StateModified
	case !changed && from == StateModified:
		e.state = StateUnchanged
	}
	to := e.state
	e.mu.Unlock()

	e.notifyState(from, to)
	return changed
}

// MarkModified sets the tracker's explicit modified flag.
func (e *Entity) MarkModified() {
	e.mu.Lock()
	e.tracker.MarkModified()
	e.mu.Unlock()
}

// IsSubmitting reports whether a remote operation is in flight.
func (e *Entity) IsSubmitting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.submitting
}

// BeginSubmit sets the submitting guard. Returns false when it was
// already set; the caller must then drop its remote operation.
func (e *Entity) BeginSubmit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitting {
		return false
	}
	e.submitting = true
	return true
}

// EndSubmit clears the submitting guard.
func (e *Entity) EndSubmit() {
	e.mu.Lock()
	e.submitting = false
	e.mu.Unlock()
}

// LastData returns a copy of the last payload received from the remote
// source.
func (e *Entity) LastData() payload.Object {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastData.Clone()
}

// Relation returns the view materialized for property.
func (e *Entity) Relation(property string) (RelationView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.relations[property]
	return v, ok
}

// Relations returns the materialized views by property.
func (e *Entity) Relations() map[string]RelationView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]RelationView, len(e.relations))
	for k, v := range e.relations {
		out[k] = v
	}
	return out
}

// Actions returns the declared action names.
func (e *Entity) Actions() []string {
	cfg := e.Configuration()
	if cfg == nil {
		return nil
	}
	return append([]string(nil), cfg.Actions...)
}

// Invoke runs a declared action for this entity through its owner.
func (e *Entity) Invoke(ctx context.Context, action string, params payload.Object) (any, error) {
	e.mu.RLock()
	owner, cfg := e.owner, e.cfg
	e.mu.RUnlock()
	if owner == nil {
		return nil, ErrNotMapped
	}
	if !cfg.HasAction(action) {
		return nil, errs.New(errs.CodeUnknownAction, "type %q has no action %q", e.typ, action)
	}
	return owner.InvokeAction(ctx, e, action, params)
}

// Subscribe registers fn for field and state changes.
func (e *Entity) Subscribe(fn func(Change)) *reactive.Subscription {
	return e.changes.Subscribe(fn)
}
