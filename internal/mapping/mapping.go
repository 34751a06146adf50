// Package mapping turns raw payloads into tracked entities and back.
//
// An entity is mapped exactly once, by the set that owns it. Mapping
// installs the lifecycle state, the submitting guard, the change tracker,
// the relation views built by the owner, and the declared actions.
//
// State machine:
//
//	(create) ──> added ──(remote create)──> unchanged
//	unchanged ──(edit)──> modified ──(remote update | reset)──> unchanged
//	unchanged | modified ──(remove)──> removed ──(detach)──> detached
package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
)

// AddMappingProperties maps e into owner with the given initial state.
// raw, when non-nil, becomes the entity's last known server payload.
// Fails with CodeAlreadyMapped when e already has an owner.
func AddMappingProperties(e *Entity, owner Owner, cfg *Configuration, state State, raw payload.Object) error {
	if owner == nil {
		return errors.New("mapping: nil owner")
	}
	if cfg == nil {
		cfg = &Configuration{Type: e.typ}
	}

	e.mu.Lock()
	if e.owner != nil {
		e.mu.Unlock()
		return errs.New(errs.CodeAlreadyMapped, "entity is already mapped").
			With("set", e.owner.Name())
	}
	e.owner = owner
	e.cfg = cfg
	e.state = state
	e.submitting = false
	mapped := e.mappedLocked()
	e.tracker.Snapshot(mapped)
	if raw != nil {
		e.lastData = withoutRelations(cfg, raw)
	} else {
		e.lastData = mapped
	}
	e.mu.Unlock()

	// Views are built unlocked; owners read the entity while building.
	views := make(map[string]RelationView, len(cfg.Relations))
	for _, rel := range cfg.Relations {
		v, err := owner.BuildRelation(e, rel)
		if err != nil {
			for _, built := range views {
				built.Close()
			}
			e.mu.Lock()
			e.owner, e.cfg, e.state, e.lastData = nil, nil, StateDetached, nil
			e.mu.Unlock()
			return fmt.Errorf("map relation %s: %w", rel.Property, err)
		}
		views[rel.Property] = v
	}

	e.mu.Lock()
	e.relations = views
	e.mu.Unlock()
	return nil
}

// RemoveMappingProperties unmaps e: relation views are closed and the
// state becomes detached. Fields are kept so e can be attached again.
func RemoveMappingProperties(e *Entity) {
	e.mu.Lock()
	views := e.relations
	from := e.state
	e.owner, e.cfg, e.relations = nil, nil, nil
	e.state = StateDetached
	e.submitting = false
	e.tracker = ChangeTracker{}
	e.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	e.notifyState(from, StateDetached)
}

// UpdateEntity merges a payload into e.
//
// A nil payload only clears the tracker, plus the state when !commit.
// Otherwise mapped fields are merged and embedded relation payloads are
// attached through the relation views. With !commit the payload is the
// server's view of e: it becomes the last known data and the entity is
// clean again. With commit it is a local edit and stays dirty.
// A removed entity stays removed until it is detached.
func UpdateEntity(ctx context.Context, e *Entity, data payload.Object, commit bool) error {
	if data == nil {
		e.mu.Lock()
		e.tracker.Snapshot(e.mappedLocked())
		from := e.state
		if !commit && (from == StateModified || from == StateAdded) {
			e.state = StateUnchanged
		}
		to := e.state
		e.mu.Unlock()
		e.notifyState(from, to)
		return nil
	}

	var changes []Change
	e.mu.Lock()
	kf := ""
	if e.owner != nil {
		kf = e.owner.KeyField()
	}
	for _, k := range data.Keys() {
		if !e.cfg.Mapped(k, kf) {
			continue
		}
		v := payload.CloneValue(data[k])
		old, had := e.fields[k]
		if had && payload.Equal(old, v) {
			continue
		}
		e.fields[k] = v
		changes = append(changes, Change{Kind: FieldChanged, Entity: e, Field: k, Old: old, New: v})
	}
	from := e.state
	if !commit {
		merged := e.lastData.Clone()
		if merged == nil {
			merged = payload.Object{}
		}
		for k, v := range withoutRelations(e.cfg, data) {
			merged[k] = v
		}
		e.lastData = merged
		e.tracker.Snapshot(e.mappedLocked())
		if from == StateModified || from == StateAdded {
			e.state = StateUnchanged
		}
	}
	to := e.state
	e.mu.Unlock()

	for _, c := range changes {
		e.changes.Notify(c)
	}
	e.notifyState(from, to)

	return AbsorbRelations(ctx, e, data)
}

// AbsorbRelations hands every embedded relation payload in data to the
// matching relation view.
func AbsorbRelations(ctx context.Context, e *Entity, data payload.Object) error {
	for prop, view := range e.Relations() {
		raw, ok := data[prop]
		if !ok || raw == nil {
			continue
		}
		if err := view.Absorb(ctx, raw); err != nil {
			return fmt.Errorf("absorb %s: %w", prop, err)
		}
	}
	return nil
}

// ResetEntity restores the mapped fields from the last known server
// payload and marks the entity clean. An added entity stays added.
func ResetEntity(e *Entity) {
	var changes []Change
	e.mu.Lock()
	kf := ""
	if e.owner != nil {
		kf = e.owner.KeyField()
	}
	for k, old := range e.fields {
		if _, keep := e.lastData[k]; !keep && e.cfg.Mapped(k, kf) {
			delete(e.fields, k)
			changes = append(changes, Change{Kind: FieldChanged, Entity: e, Field: k, Old: old})
		}
	}
	for k, v := range e.lastData.Clone() {
		if !e.cfg.Mapped(k, kf) {
			continue
		}
		old, had := e.fields[k]
		if had && payload.Equal(old, v) {
			continue
		}
		e.fields[k] = v
		changes = append(changes, Change{Kind: FieldChanged, Entity: e, Field: k, Old: old, New: v})
	}
	e.tracker.Snapshot(e.mappedLocked())
	from := e.state
	if from == StateModified || from == StateRemoved {
		e.state = StateUnchanged
	}
	to := e.state
	e.mu.Unlock()

	for _, c := range changes {
		e.changes.Notify(c)
	}
	e.notifyState(from, to)
}

// DuplicateEntity returns an unmapped copy of e's mapped fields with the
// key cleared.
func DuplicateEntity(e *Entity) *Entity {
	fields := e.MappedFields()
	if kf := e.KeyField(); kf != "" {
		delete(fields, kf)
	}
	return &Entity{typ: e.typ, fields: fields}
}

// ToJS serializes the mapped fields, tagged with the entity type.
func ToJS(e *Entity) payload.Object {
	out := e.MappedFields()
	if e.typ != "" {
		out[payload.TypeField] = e.typ
	}
	return out
}

// FromJS builds an unmapped entity from a payload. The type tag selects
// the configuration; an unregistered tag fails with CodeUnknownType.
// Type tags and relation payloads are not copied into the fields; pass
// the payload to AbsorbRelations once the entity is mapped.
func FromJS(reg *Registry, raw payload.Object, defaultType string) (*Entity, *Configuration, error) {
	cfg, err := reg.Resolve(raw.TypeTag(), defaultType)
	if err != nil {
		return nil, nil, err
	}
	fields, err := cfg.Build(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", cfg.Type, err)
	}
	fields = withoutRelations(cfg, fields)
	if fields == nil {
		fields = payload.Object{}
	}
	delete(fields, payload.TypeField)
	delete(fields, payload.ODataTypeField)
	return &Entity{typ: cfg.Type, fields: fields}, cfg, nil
}

func withoutRelations(cfg *Configuration, raw payload.Object) payload.Object {
	out := raw.Clone()
	if cfg == nil {
		return out
	}
	for _, r := range cfg.Relations {
		delete(out, r.Property)
	}
	return out
}
