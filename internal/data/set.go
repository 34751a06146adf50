package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/reactive"
	"github.com/roach88/entsync/internal/store"
)

// ErrNoKey is returned when attaching an entity without a key value.
var ErrNoKey = errors.New("data: entity has no key")

// Rekey is published when an attached entity's key changes, most often
// when a temporary key is replaced by the server's.
type Rekey struct {
	Entity *mapping.Entity
	Old    any
	New    any
}

// Set is the authoritative local collection of one entity type.
//
// Entities are indexed by the string form of their key and kept in
// attach order. Every change is written through to the store. Mutation
// notifications fire once per batch operation.
type Set struct {
	dc          *Context
	name        string
	keyField    string
	defaultType string
	controller  string
	adapter     adapter.Adapter
	store       store.DataStore
	logger      *slog.Logger

	mu          sync.RWMutex
	index       map[string]*mapping.Entity
	order       []*mapping.Entity
	subs        map[*mapping.Entity]*reactive.Subscription
	stale       map[*mapping.Entity][]string // superseded keys still in the store
	queued      map[*mapping.Entity]bool     // persist task pending
	remoteCount int

	version  atomic.Uint64
	notifier reactive.Notifier
	rekeys   reactive.Subscribers[Rekey]
}

func newSet(c *Context, cfg SetConfig, a adapter.Adapter, st store.DataStore) *Set {
	return &Set{
		dc:          c,
		name:        cfg.Name,
		keyField:    cfg.KeyField,
		defaultType: cfg.DefaultType,
		controller:  cfg.Controller,
		adapter:     a,
		store:       st,
		logger:      c.logger.With("set", cfg.Name),
		index:       make(map[string]*mapping.Entity),
		subs:        make(map[*mapping.Entity]*reactive.Subscription),
		stale:       make(map[*mapping.Entity][]string),
		queued:      make(map[*mapping.Entity]bool),
		remoteCount: -1,
	}
}

// Name implements mapping.Owner.
func (s *Set) Name() string { return s.name }

// KeyField implements mapping.Owner.
func (s *Set) KeyField() string { return s.keyField }

func (s *Set) DefaultType() string { return s.defaultType }
func (s *Set) Controller() string  { return s.controller }

// Context returns the owning context.
func (s *Set) Context() *Context { return s.dc }

// New returns an unmapped entity of the default type.
func (s *Set) New(fields payload.Object) *mapping.Entity {
	return mapping.NewEntity(s.defaultType, fields)
}

// Contents returns the attached entities in attach order, removed ones
// included.
func (s *Set) Contents() []*mapping.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// FindByKey returns the attached entity with key, or nil.
func (s *Set) FindByKey(key any) *mapping.Entity {
	k := payload.KeyString(key)
	if k == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[k]
}

// LocalCount is the number of attached entities.
func (s *Set) LocalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// RemoteCount is the last total reported by the server, -1 if unknown.
func (s *Set) RemoteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteCount
}

// SetRemoteCount records a server-reported total.
func (s *Set) SetRemoteCount(n int) {
	s.mu.Lock()
	s.remoteCount = n
	s.mu.Unlock()
	s.version.Add(1)
}

// IsSynchronized reports whether the local and remote counts agree.
func (s *Set) IsSynchronized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order) == s.remoteCount
}

// Version changes whenever the contents or any attached entity change.
func (s *Set) Version() uint64 {
	return s.version.Load()
}

// Subscribe registers fn for will/has-mutated notifications.
func (s *Set) Subscribe(fn func(reactive.MutationEvent)) *reactive.Subscription {
	return s.notifier.Subscribe(fn)
}

// SubscribeRekeys registers fn for key changes of attached entities.
func (s *Set) SubscribeRekeys(fn func(Rekey)) *reactive.Subscription {
	return s.rekeys.Subscribe(fn)
}

// owns reports whether e is attached to this set.
func (s *Set) owns(e *mapping.Entity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[e]
	return ok
}

func (s *Set) configFor(e *mapping.Entity) (*mapping.Configuration, error) {
	return s.dc.registry.Resolve(e.Type(), s.defaultType)
}

func (s *Set) item(e *mapping.Entity) store.Item {
	return store.Item{
		Key:   payload.KeyString(e.Get(s.keyField)),
		State: string(e.State()),
		Data:  mapping.ToJS(e),
	}
}

// Add stamps e as added with a temporary key and attaches it.
func (s *Set) Add(ctx context.Context, e *mapping.Entity) error {
	return s.AddRange(ctx, e)
}

// AddRange adds several entities in one batch. An entity that already
// has a key keeps it.
func (s *Set) AddRange(ctx context.Context, entities ...*mapping.Entity) error {
	var mapped []*mapping.Entity
	unmap := func() {
		for _, e := range mapped {
			mapping.RemoveMappingProperties(e)
		}
	}
	for _, e := range entities {
		if payload.IsEmptyKey(e.Get(s.keyField)) {
			e.Set(s.keyField, s.dc.keys.Next())
		} else if s.FindByKey(e.Get(s.keyField)) != nil {
			unmap()
			return errs.New(errs.CodeDuplicate, "key %v is already attached", e.Get(s.keyField)).
				With("set", s.name)
		}
		cfg, err := s.configFor(e)
		if err == nil {
			err = mapping.AddMappingProperties(e, s, cfg, mapping.StateAdded, nil)
		}
		if err != nil {
			unmap()
			return fmt.Errorf("add to %s: %w", s.name, err)
		}
		mapped = append(mapped, e)
	}
	if err := s.AttachRange(ctx, mapped...); err != nil {
		unmap()
		return err
	}
	return nil
}

// Attach indexes e. Attaching a key that is already present is a no-op.
// An unmapped entity is mapped as unchanged.
func (s *Set) Attach(ctx context.Context, e *mapping.Entity) error {
	return s.AttachRange(ctx, e)
}

// AttachRange attaches several entities with one mutation notification.
// Re-attaching only known keys fires no notification.
func (s *Set) AttachRange(ctx context.Context, entities ...*mapping.Entity) error {
	if !s.changesMembership(entities) {
		return nil
	}
	var attached []*mapping.Entity
	var err error
	s.notifier.Batch(func() bool {
		attached, err = s.attach(ctx, entities, true)
		return len(attached) > 0
	})
	if err != nil {
		return err
	}
	s.afterAttach(attached)
	return nil
}

// changesMembership reports whether attaching entities could add one.
// Invalid entities count, so attach gets to report them.
func (s *Set) changesMembership(entities []*mapping.Entity) bool {
	for _, e := range entities {
		if owner := e.Owner(); owner != nil && owner != mapping.Owner(s) {
			return true
		}
		if s.FindByKey(e.Get(s.keyField)) == nil {
			return true
		}
	}
	return false
}

// holdsAny reports whether any of the entities is attached here.
func (s *Set) holdsAny(entities []*mapping.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, ok := s.subs[e]; ok {
			return true
		}
	}
	return false
}

// attach maps and indexes the entities whose key is not yet present and
// returns them. With persist the store is written first; nothing is
// indexed when the write fails.
func (s *Set) attach(ctx context.Context, entities []*mapping.Entity, persist bool) ([]*mapping.Entity, error) {
	var fresh, mappedHere []*mapping.Entity
	fail := func(err error) ([]*mapping.Entity, error) {
		for _, e := range mappedHere {
			mapping.RemoveMappingProperties(e)
		}
		return nil, err
	}

	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if owner := e.Owner(); owner != nil && owner != mapping.Owner(s) {
			return fail(errs.New(errs.CodeAlreadyMapped, "entity belongs to set %q", owner.Name()).
				With("set", s.name))
		}
		key := payload.KeyString(e.Get(s.keyField))
		if key == "" {
			return fail(fmt.Errorf("attach to %s: %w", s.name, ErrNoKey))
		}
		if seen[key] || s.FindByKey(key) != nil {
			continue
		}
		seen[key] = true
		if !e.IsMapped() {
			cfg, err := s.configFor(e)
			if err == nil {
				err = mapping.AddMappingProperties(e, s, cfg, mapping.StateUnchanged, nil)
			}
			if err != nil {
				return fail(fmt.Errorf("attach to %s: %w", s.name, err))
			}
			mappedHere = append(mappedHere, e)
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if persist {
		items := make([]store.Item, len(fresh))
		for i, e := range fresh {
			items[i] = s.item(e)
		}
		if err := s.store.AddRange(ctx, s.name, items); err != nil {
			return fail(fmt.Errorf("attach to %s: %w", s.name, err))
		}
	}

	s.mu.Lock()
	for _, e := range fresh {
		s.index[payload.KeyString(e.Get(s.keyField))] = e
		s.order = append(s.order, e)
		s.subs[e] = e.Subscribe(s.onChange)
	}
	n := len(s.order)
	s.mu.Unlock()

	s.version.Add(1)
	s.dc.metrics.SetEntities(s.name, n)
	s.logger.Debug("attached", "count", len(fresh))
	return fresh, nil
}

// afterAttach starts the remote work newly attached entities need.
func (s *Set) afterAttach(attached []*mapping.Entity) {
	for _, e := range attached {
		switch {
		case e.State() == mapping.StateAdded && !s.dc.buffered:
			s.scheduleRemote("create", e, stateIs(mapping.StateAdded), s.remoteCreate)
		case e.State() != mapping.StateAdded && s.dc.autoLazy:
			s.dc.schedule(s.name+" relations", func(ctx context.Context) error {
				if !s.owns(e) {
					return nil
				}
				return s.RefreshRelations(ctx, e)
			})
		}
	}
}

// Detach drops e without any remote call.
func (s *Set) Detach(ctx context.Context, e *mapping.Entity) error {
	return s.detach(ctx, []*mapping.Entity{e})
}

// DetachRange drops the entities with the given keys. Unknown keys are
// ignored.
func (s *Set) DetachRange(ctx context.Context, keys ...any) error {
	var entities []*mapping.Entity
	for _, k := range keys {
		if e := s.FindByKey(k); e != nil {
			entities = append(entities, e)
		}
	}
	return s.detach(ctx, entities)
}

func (s *Set) detach(ctx context.Context, entities []*mapping.Entity) error {
	if !s.holdsAny(entities) {
		return nil
	}
	var err error
	s.notifier.Batch(func() bool {
		var removed []*mapping.Entity
		var keys []string
		drop := make(map[*mapping.Entity]bool, len(entities))

		s.mu.Lock()
		for _, e := range entities {
			sub, ok := s.subs[e]
			if !ok || drop[e] {
				continue
			}
			drop[e] = true
			key := payload.KeyString(e.Get(s.keyField))
			if s.index[key] == e {
				delete(s.index, key)
			}
			sub.Unsubscribe()
			delete(s.subs, e)
			keys = append(keys, key)
			keys = append(keys, s.stale[e]...)
			delete(s.stale, e)
			delete(s.queued, e)
			removed = append(removed, e)
		}
		if len(removed) > 0 {
			s.order = slices.DeleteFunc(s.order, func(e *mapping.Entity) bool { return drop[e] })
		}
		n := len(s.order)
		s.mu.Unlock()

		if len(removed) == 0 {
			return false
		}
		for _, e := range removed {
			mapping.RemoveMappingProperties(e)
		}
		if rerr := s.store.RemoveRange(ctx, s.name, keys); rerr != nil {
			err = fmt.Errorf("detach from %s: %w", s.name, rerr)
		}
		s.version.Add(1)
		s.dc.metrics.SetEntities(s.name, n)
		s.logger.Debug("detached", "count", len(removed))
		return true
	})
	return err
}

// clear detaches everything without touching the store.
func (s *Set) clear() {
	if s.LocalCount() == 0 {
		s.mu.Lock()
		s.stale = make(map[*mapping.Entity][]string)
		s.queued = make(map[*mapping.Entity]bool)
		s.remoteCount = -1
		s.mu.Unlock()
		return
	}
	s.notifier.Batch(func() bool {
		s.mu.Lock()
		entities := s.order
		subs := s.subs
		s.index = make(map[string]*mapping.Entity)
		s.order = nil
		s.subs = make(map[*mapping.Entity]*reactive.Subscription)
		s.stale = make(map[*mapping.Entity][]string)
		s.queued = make(map[*mapping.Entity]bool)
		s.remoteCount = -1
		s.mu.Unlock()

		for _, e := range entities {
			subs[e].Unsubscribe()
			mapping.RemoveMappingProperties(e)
		}
		s.version.Add(1)
		s.dc.metrics.SetEntities(s.name, 0)
		return len(entities) > 0
	})
}

// Update marks an attached entity modified and persists it. Detached
// entities are ignored.
func (s *Set) Update(ctx context.Context, e *mapping.Entity) error {
	if !s.owns(e) {
		return nil
	}
	e.MarkModified()
	e.HasChanges()
	return s.persist(ctx, e)
}

// Remove marks an attached entity removed. Entities never created
// remotely are detached instead.
func (s *Set) Remove(ctx context.Context, e *mapping.Entity) error {
	if !s.owns(e) {
		return nil
	}
	switch e.State() {
	case mapping.StateAdded, mapping.StateDetached:
		return s.Detach(ctx, e)
	}
	if err := e.SetState(mapping.StateRemoved); err != nil {
		return fmt.Errorf("remove from %s: %w", s.name, err)
	}
	return s.persist(ctx, e)
}

// AttachOrUpdate upserts one payload by key.
func (s *Set) AttachOrUpdate(ctx context.Context, data payload.Object, commit bool) (*mapping.Entity, error) {
	out, err := s.AttachOrUpdateRange(ctx, []payload.Object{data}, commit)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// AttachOrUpdateRange upserts payloads by key: known keys are merged with
// mapping.UpdateEntity, new ones are built with mapping.FromJS and
// attached. Returns the entities in payload order.
func (s *Set) AttachOrUpdateRange(ctx context.Context, data []payload.Object, commit bool) ([]*mapping.Entity, error) {
	var out, fresh []*mapping.Entity
	var err error
	if !s.hasNewKeys(data) {
		out, _, err = s.upsert(ctx, data, commit)
		return out, err
	}
	s.notifier.Batch(func() bool {
		out, fresh, err = s.upsert(ctx, data, commit)
		return len(fresh) > 0
	})
	s.afterAttach(fresh)
	return out, err
}

// hasNewKeys reports whether some payload is not attached yet.
func (s *Set) hasNewKeys(data []payload.Object) bool {
	for _, obj := range data {
		if s.FindByKey(obj[s.keyField]) == nil {
			return true
		}
	}
	return false
}

func (s *Set) upsert(ctx context.Context, data []payload.Object, commit bool) (out, fresh []*mapping.Entity, err error) {
	for _, obj := range data {
		if e := s.FindByKey(obj[s.keyField]); e != nil {
			if err := mapping.UpdateEntity(ctx, e, obj, commit); err != nil {
				return out, fresh, fmt.Errorf("update %s %v: %w", s.name, e.Key(), err)
			}
			out = append(out, e)
			continue
		}

		e, cfg, err := mapping.FromJS(s.dc.registry, obj, s.defaultType)
		if err != nil {
			return out, fresh, err
		}
		if err := mapping.AddMappingProperties(e, s, cfg, mapping.StateUnchanged, obj); err != nil {
			return out, fresh, err
		}
		attached, err := s.attach(ctx, []*mapping.Entity{e}, true)
		if err != nil {
			mapping.RemoveMappingProperties(e)
			return out, fresh, err
		}
		if len(attached) == 0 {
			// duplicate key within data; the first payload won
			mapping.RemoveMappingProperties(e)
			if existing := s.FindByKey(obj[s.keyField]); existing != nil {
				out = append(out, existing)
			}
			continue
		}
		if err := mapping.AbsorbRelations(ctx, e, obj); err != nil {
			return out, fresh, err
		}
		out = append(out, e)
		fresh = append(fresh, e)
	}
	return out, fresh, nil
}

// onChange reacts to edits of attached entities: key changes re-index,
// field edits refresh the dirty state, every change is persisted, and in
// unbuffered mode state changes dispatch remote calls.
func (s *Set) onChange(c mapping.Change) {
	e := c.Entity
	if !s.owns(e) {
		return
	}
	s.version.Add(1)

	switch c.Kind {
	case mapping.FieldChanged:
		if c.Field == s.keyField {
			s.rekey(e, c.Old, c.New)
		}
		e.HasChanges()
		s.queuePersist(e)

	case mapping.StateChanged:
		if c.To == mapping.StateDetached {
			return
		}
		s.queuePersist(e)
		if s.dc.buffered {
			return
		}
		switch c.To {
		case mapping.StateModified:
			// a remove queued behind this update must not cancel it
			s.scheduleRemote("update", e, stateIs(mapping.StateModified, mapping.StateRemoved), s.remoteUpdate)
		case mapping.StateRemoved:
			s.scheduleRemote("remove", e, stateIs(mapping.StateRemoved), s.remoteRemove)
		}
	}
}

func (s *Set) rekey(e *mapping.Entity, oldKey, newKey any) {
	o, n := payload.KeyString(oldKey), payload.KeyString(newKey)
	s.mu.Lock()
	if other := s.index[n]; other != nil && other != e {
		s.mu.Unlock()
		s.logger.Warn("key collision on rekey", "old", o, "new", n)
		return
	}
	if s.index[o] == e {
		delete(s.index, o)
		s.stale[e] = append(s.stale[e], o)
	}
	if n != "" {
		s.index[n] = e
	}
	s.mu.Unlock()

	s.logger.Debug("rekeyed", "old", o, "new", n)
	s.rekeys.Notify(Rekey{Entity: e, Old: oldKey, New: newKey})
}

// queuePersist schedules one store write for e, coalescing repeated edits.
func (s *Set) queuePersist(e *mapping.Entity) {
	s.mu.Lock()
	if s.queued[e] {
		s.mu.Unlock()
		return
	}
	s.queued[e] = true
	s.mu.Unlock()

	s.dc.schedule(s.name+" persist", func(ctx context.Context) error {
		s.mu.Lock()
		delete(s.queued, e)
		s.mu.Unlock()
		return s.persist(ctx, e)
	})
}

// persist writes e's current payload and state, dropping superseded keys.
func (s *Set) persist(ctx context.Context, e *mapping.Entity) error {
	s.mu.Lock()
	if _, ok := s.subs[e]; !ok {
		s.mu.Unlock()
		return nil
	}
	stale := s.stale[e]
	delete(s.stale, e)
	s.mu.Unlock()

	if len(stale) > 0 {
		if err := s.store.RemoveRange(ctx, s.name, stale); err != nil {
			return fmt.Errorf("persist %s: %w", s.name, err)
		}
	}
	if err := s.store.Add(ctx, s.name, s.item(e)); err != nil {
		return fmt.Errorf("persist %s: %w", s.name, err)
	}
	return nil
}

// BuildRelation implements mapping.Owner.
func (s *Set) BuildRelation(e *mapping.Entity, rel mapping.Relation) (mapping.RelationView, error) {
	switch rel.Kind {
	case mapping.One:
		return newOneRef(s.dc, e, rel), nil
	case mapping.Many:
		return newManyView(s.dc, e, rel), nil
	case mapping.Remote:
		return newRemoteView(s, e, rel), nil
	}
	return nil, fmt.Errorf("relation %s: unknown kind %d", rel.Property, rel.Kind)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
