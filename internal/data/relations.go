package data

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/reactive"
	"github.com/roach88/entsync/internal/telemetry"
)

var (
	_ mapping.RelationView = (*OneRef)(nil)
	_ mapping.RelationView = (*ManyView)(nil)
	_ mapping.RelationView = (*RemoteView)(nil)
)

func foreignSet(c *Context, rel mapping.Relation) (*Set, error) {
	s, ok := c.lookupSet(rel.Controller)
	if !ok {
		return nil, errs.New(errs.CodeUnknownSet, "relation %s targets unknown set %q", rel.Property, rel.Controller)
	}
	return s, nil
}

// OneRef is a to-one relation: the owner's foreign key field holds the
// target's key. When the target is re-keyed the foreign key follows.
type OneRef struct {
	dc    *Context
	owner *mapping.Entity
	rel   mapping.Relation
	sub   *reactive.Subscription
}

func newOneRef(c *Context, owner *mapping.Entity, rel mapping.Relation) *OneRef {
	r := &OneRef{dc: c, owner: owner, rel: rel}
	if fs, ok := c.lookupSet(rel.Controller); ok {
		r.sub = fs.SubscribeRekeys(r.follow)
	}
	return r
}

func (r *OneRef) follow(k Rekey) {
	if fk := r.owner.Get(r.rel.ForeignKey); !payload.IsEmptyKey(fk) && payload.Equal(fk, k.Old) {
		r.owner.Set(r.rel.ForeignKey, k.New)
	}
}

// Kind implements mapping.RelationView.
func (r *OneRef) Kind() mapping.RelationKind { return mapping.One }

// Target returns the referenced entity, or nil when it is not attached.
func (r *OneRef) Target() *mapping.Entity {
	fs, ok := r.dc.lookupSet(r.rel.Controller)
	if !ok {
		return nil
	}
	return fs.FindByKey(r.owner.Get(r.rel.ForeignKey))
}

// Value implements mapping.RelationView.
func (r *OneRef) Value() any {
	if t := r.Target(); t != nil {
		return t
	}
	return nil
}

// Change points the relation at target, adding target to the foreign set
// first when it is not attached. A nil target clears the foreign key.
// With deleteOld the previous target is removed from its set.
func (r *OneRef) Change(ctx context.Context, target *mapping.Entity, deleteOld bool) error {
	fs, err := foreignSet(r.dc, r.rel)
	if err != nil {
		return err
	}
	old := r.Target()
	if target != nil && !fs.owns(target) {
		if payload.IsEmptyKey(target.Get(fs.keyField)) {
			err = fs.Add(ctx, target)
		} else {
			err = fs.Attach(ctx, target)
		}
		if err != nil {
			return fmt.Errorf("change %s: %w", r.rel.Property, err)
		}
	}

	var key any
	if target != nil {
		key = target.Get(fs.keyField)
	}
	r.owner.Set(r.rel.ForeignKey, key)

	if deleteOld && old != nil && old != target {
		if err := fs.Remove(ctx, old); err != nil {
			return fmt.Errorf("change %s: %w", r.rel.Property, err)
		}
	}
	return nil
}

// Refresh loads a missing target when the relation is marked remote.
func (r *OneRef) Refresh(ctx context.Context) error {
	if !r.rel.EnsureRemote {
		return nil
	}
	fk := r.owner.Get(r.rel.ForeignKey)
	if payload.IsEmptyKey(fk) || payload.IsTempKey(fk) || r.Target() != nil {
		return nil
	}
	fs, err := foreignSet(r.dc, r.rel)
	if err != nil {
		return err
	}
	_, err = fs.Load(ctx, fk)
	return err
}

// Absorb implements mapping.RelationView.
func (r *OneRef) Absorb(ctx context.Context, raw any) error {
	obj, ok := payload.AsObject(raw)
	if !ok {
		return fmt.Errorf("%s: embedded value is not an object", r.rel.Property)
	}
	fs, err := foreignSet(r.dc, r.rel)
	if err != nil {
		return err
	}
	_, err = fs.AttachOrUpdate(ctx, obj, false)
	return err
}

// Close implements mapping.RelationView.
func (r *OneRef) Close() {
	r.sub.Unsubscribe()
}

// ManyView is a to-many relation: the foreign entities whose foreign key
// equals the owner's key. Re-keying the owner rewrites their foreign keys.
type ManyView struct {
	dc    *Context
	owner *mapping.Entity
	rel   mapping.Relation
	sub   *reactive.Subscription
}

func newManyView(c *Context, owner *mapping.Entity, rel mapping.Relation) *ManyView {
	v := &ManyView{dc: c, owner: owner, rel: rel}
	v.sub = owner.Subscribe(v.follow)
	return v
}

func (v *ManyView) follow(c mapping.Change) {
	if c.Kind != mapping.FieldChanged || c.Field != v.owner.KeyField() || payload.IsEmptyKey(c.Old) {
		return
	}
	fs, ok := v.dc.lookupSet(v.rel.Controller)
	if !ok {
		return
	}
	for _, e := range fs.Contents() {
		if payload.Equal(e.Get(v.rel.ForeignKey), c.Old) {
			e.Set(v.rel.ForeignKey, c.New)
		}
	}
}

// Kind implements mapping.RelationView.
func (v *ManyView) Kind() mapping.RelationKind { return mapping.Many }

func (v *ManyView) filter() *query.Query {
	return query.New().Where(v.rel.ForeignKey, query.OpEq, v.owner.Key())
}

// Items returns the related entities in foreign set order.
func (v *ManyView) Items() []*mapping.Entity {
	return v.Apply(nil)
}

// Apply narrows the related entities further by q. Paging applies after
// the relation filter.
func (v *ManyView) Apply(q *query.Query) []*mapping.Entity {
	fs, ok := v.dc.lookupSet(v.rel.Controller)
	if !ok || payload.IsEmptyKey(v.owner.Key()) {
		return nil
	}
	related := query.FilterRecords(v.filter(), fs.Contents())
	if q == nil {
		return related
	}
	out, err := query.Apply(q, related, true)
	if err != nil {
		v.dc.logger.Warn("relation query rejected", "relation", v.rel.Property, "error", err)
		return nil
	}
	return out
}

// Value implements mapping.RelationView.
func (v *ManyView) Value() any {
	return v.Items()
}

// Add stamps e's foreign key with the owner's key and adds it to the
// foreign set when it is not attached yet.
func (v *ManyView) Add(ctx context.Context, e *mapping.Entity) error {
	fs, err := foreignSet(v.dc, v.rel)
	if err != nil {
		return err
	}
	e.Set(v.rel.ForeignKey, v.owner.Key())
	if fs.owns(e) {
		return nil
	}
	if err := fs.Add(ctx, e); err != nil {
		return fmt.Errorf("add to %s: %w", v.rel.Property, err)
	}
	return nil
}

// Refresh queries the related entities remotely when the relation is
// marked remote.
func (v *ManyView) Refresh(ctx context.Context) error {
	key := v.owner.Key()
	if !v.rel.EnsureRemote || payload.IsEmptyKey(key) || payload.IsTempKey(key) {
		return nil
	}
	fs, err := foreignSet(v.dc, v.rel)
	if err != nil {
		return err
	}
	_, err = fs.Query(ctx, v.filter(), true)
	return err
}

// Absorb implements mapping.RelationView. Embedded rows without a
// foreign key are stamped with the owner's key.
func (v *ManyView) Absorb(ctx context.Context, raw any) error {
	objs, ok := payload.AsObjects(raw)
	if !ok {
		return fmt.Errorf("%s: embedded value is not an array", v.rel.Property)
	}
	fs, err := foreignSet(v.dc, v.rel)
	if err != nil {
		return err
	}
	key := v.owner.Key()
	objs = slices.Clone(objs)
	for i, obj := range objs {
		if payload.IsEmptyKey(obj[v.rel.ForeignKey]) {
			obj = obj.Clone()
			obj[v.rel.ForeignKey] = key
			objs[i] = obj
		}
	}
	_, err = fs.AttachOrUpdateRange(ctx, objs, false)
	return err
}

// Close implements mapping.RelationView.
func (v *ManyView) Close() {
	v.sub.Unsubscribe()
}

// RemoteView is a relation the server computes. Its members are whatever
// the adapter's relation endpoint last returned for the owner.
type RemoteView struct {
	set   *Set
	owner *mapping.Entity
	rel   mapping.Relation

	mu    sync.Mutex
	items []*mapping.Entity
	count int
}

func newRemoteView(s *Set, owner *mapping.Entity, rel mapping.Relation) *RemoteView {
	return &RemoteView{set: s, owner: owner, rel: rel, count: -1}
}

// Kind implements mapping.RelationView.
func (v *RemoteView) Kind() mapping.RelationKind { return mapping.Remote }

// Items returns the last reported members still attached to their set.
func (v *RemoteView) Items() []*mapping.Entity {
	fs, ok := v.set.dc.lookupSet(v.rel.Controller)
	v.mu.Lock()
	defer v.mu.Unlock()
	if !ok {
		return nil
	}
	out := make([]*mapping.Entity, 0, len(v.items))
	for _, e := range v.items {
		if fs.owns(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count is the total reported by the last refresh, -1 before one.
func (v *RemoteView) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

// Value implements mapping.RelationView.
func (v *RemoteView) Value() any {
	return v.Items()
}

// Refresh fetches the whole relation.
func (v *RemoteView) Refresh(ctx context.Context) error {
	return v.RefreshQuery(ctx, nil)
}

// RefreshQuery fetches the relation through q. An unpaged result replaces
// the members; a page is merged into them.
func (v *RemoteView) RefreshQuery(ctx context.Context, q *query.Query) error {
	getter, ok := v.set.adapter.(adapter.RelationGetter)
	if !ok {
		return errs.New(errs.CodeRelationUnsupported, "adapter of set %q cannot fetch relations", v.set.name).
			With("relation", v.rel.Property)
	}
	if err := q.Validate(); err != nil {
		return err
	}
	fs, err := foreignSet(v.set.dc, v.rel)
	if err != nil {
		return err
	}
	key := v.owner.Key()
	if payload.IsEmptyKey(key) || payload.IsTempKey(key) {
		return nil
	}

	res, err := getter.GetRelation(ctx, v.set.controller, v.rel.Property, payload.KeyString(key), q)
	v.set.dc.metrics.ObserveRemote(v.set.name, "relation", telemetry.Outcome(err))
	if err != nil {
		return fmt.Errorf("relation %s.%s: %w", v.set.name, v.rel.Property, err)
	}
	entities, err := fs.AttachOrUpdateRange(ctx, res.Data, false)
	if err != nil {
		return fmt.Errorf("relation %s.%s: %w", v.set.name, v.rel.Property, err)
	}
	v.merge(entities, !q.IsPaged(), res.Count)
	return nil
}

func (v *RemoteView) merge(entities []*mapping.Entity, replace bool, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count = count
	if replace {
		v.items = entities
		return
	}
	for _, e := range entities {
		if !slices.Contains(v.items, e) {
			v.items = append(v.items, e)
		}
	}
}

// Absorb implements mapping.RelationView.
func (v *RemoteView) Absorb(ctx context.Context, raw any) error {
	objs, ok := payload.AsObjects(raw)
	if !ok {
		return fmt.Errorf("%s: embedded value is not an array", v.rel.Property)
	}
	fs, err := foreignSet(v.set.dc, v.rel)
	if err != nil {
		return err
	}
	entities, err := fs.AttachOrUpdateRange(ctx, objs, false)
	if err != nil {
		return err
	}
	v.merge(entities, true, len(entities))
	return nil
}

// Close implements mapping.RelationView.
func (v *RemoteView) Close() {}
