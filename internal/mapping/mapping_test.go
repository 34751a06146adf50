package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
)

type fakeOwner struct {
	built    []Relation
	buildErr error
	invoked  []string
}

func (o *fakeOwner) Name() string     { return "People" }
func (o *fakeOwner) KeyField() string { return "Id" }

func (o *fakeOwner) BuildRelation(e *Entity, rel Relation) (RelationView, error) {
	if o.buildErr != nil {
		return nil, o.buildErr
	}
	o.built = append(o.built, rel)
	return &fakeView{kind: rel.Kind}, nil
}

func (o *fakeOwner) InvokeAction(ctx context.Context, e *Entity, action string, params payload.Object) (any, error) {
	o.invoked = append(o.invoked, action)
	return "ok", nil
}

type fakeView struct {
	kind     RelationKind
	value    any
	absorbed []any
	closed   bool
}

func (v *fakeView) Kind() RelationKind { return v.kind }
func (v *fakeView) Value() any         { return v.value }
func (v *fakeView) Close()             { v.closed = true }

func (v *fakeView) Absorb(ctx context.Context, raw any) error {
	v.absorbed = append(v.absorbed, raw)
	return nil
}

func personConfig() *Configuration {
	return &Configuration{
		Type:   "Person",
		Ignore: []string{"Scratch"},
		Relations: []Relation{
			{Property: "Orders", Kind: Many, Controller: "Orders", ForeignKey: "PersonId"},
		},
		Actions: []string{"Promote"},
	}
}

func mapped(t *testing.T, state State, fields payload.Object) (*Entity, *fakeOwner) {
	t.Helper()
	owner := &fakeOwner{}
	e := NewEntity("Person", fields)
	require.NoError(t, AddMappingProperties(e, owner, personConfig(), state, nil))
	return e, owner
}

func collect(e *Entity) *[]Change {
	var got []Change
	e.Subscribe(func(c Change) { got = append(got, c) })
	return &got
}

func TestAddMappingPropertiesTwiceFails(t *testing.T) {
	e, owner := mapped(t, StateUnchanged, payload.Object{"Id": 1})
	assert.Len(t, owner.built, 1)

	err := AddMappingProperties(e, owner, personConfig(), StateUnchanged, nil)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAlreadyMapped))
	assert.Len(t, owner.built, 1, "second mapping must not rebuild relations")
}

func TestAddMappingPropertiesRollsBackOnRelationError(t *testing.T) {
	owner := &fakeOwner{buildErr: errors.New("no such set")}
	e := NewEntity("Person", payload.Object{"Id": 1})

	err := AddMappingProperties(e, owner, personConfig(), StateUnchanged, nil)
	require.Error(t, err)
	assert.False(t, e.IsMapped())
	assert.Equal(t, StateDetached, e.State())

	owner.buildErr = nil
	require.NoError(t, AddMappingProperties(e, owner, personConfig(), StateUnchanged, nil))
}

func TestHasChangesIsSelfCorrecting(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann"})
	changes := collect(e)

	assert.False(t, e.HasChanges())
	assert.Equal(t, StateUnchanged, e.State())

	e.Set("Name", "Bob")
	assert.Equal(t, StateUnchanged, e.State(), "state moves on the next read, not on write")
	assert.True(t, e.HasChanges())
	assert.Equal(t, StateModified, e.State())

	e.Set("Name", "Ann")
	assert.False(t, e.HasChanges())
	assert.Equal(t, StateUnchanged, e.State(), "reverting the edit flips back")

	var states []State
	for _, c := range *changes {
		if c.Kind == StateChanged {
			states = append(states, c.To)
		}
	}
	assert.Equal(t, []State{StateModified, StateUnchanged}, states)
}

func TestMarkModifiedKeepsStateDirty(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1})
	e.MarkModified()
	assert.True(t, e.HasChanges())
	assert.True(t, e.HasChanges())
	assert.Equal(t, StateModified, e.State())
}

func TestIgnoredAndRelationFieldsAreNotTracked(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Scratch": "a"})
	e.Set("Scratch", "b")
	assert.False(t, e.HasChanges())

	assert.False(t, e.Set("Orders", []any{}), "relation properties are not plain fields")
	assert.NotContains(t, e.Fields(), "Orders")
}

func TestCopyRestrictsMappedFields(t *testing.T) {
	cfg := &Configuration{Type: "Person", Copy: []string{"Name"}}
	e := NewEntity("Person", payload.Object{"Id": 1, "Name": "Ann", "Age": 3})
	require.NoError(t, AddMappingProperties(e, &fakeOwner{}, cfg, StateUnchanged, nil))

	assert.Equal(t, payload.Object{"Id": 1, "Name": "Ann"}, e.MappedFields())
	e.Set("Age", 4)
	assert.False(t, e.HasChanges())
}

func TestSetStateTransitions(t *testing.T) {
	e, _ := mapped(t, StateAdded, payload.Object{"Id": 1})
	assert.Error(t, e.SetState(StateModified))
	assert.Error(t, e.SetState(StateRemoved))
	require.NoError(t, e.SetState(StateUnchanged))
	require.NoError(t, e.SetState(StateModified))
	require.NoError(t, e.SetState(StateRemoved))
	assert.Error(t, e.SetState(StateUnchanged), "removed is terminal")
	assert.Error(t, e.SetState(StateAdded))

	loose := NewEntity("Person", nil)
	assert.ErrorIs(t, loose.SetState(StateModified), ErrNotMapped)
}

func TestUpdateEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("server payload cleans the entity", func(t *testing.T) {
		e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann"})
		e.Set("Name", "Local")
		require.True(t, e.HasChanges())

		require.NoError(t, UpdateEntity(ctx, e, payload.Object{"Id": 1, "Name": "Server", "Age": 30.0}, false))
		assert.Equal(t, StateUnchanged, e.State())
		assert.False(t, e.HasChanges())
		assert.Equal(t, "Server", e.Get("Name"))
		assert.Equal(t, 30.0, e.LastData()["Age"])
	})

	t.Run("commit leaves the edit dirty", func(t *testing.T) {
		e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann"})
		require.NoError(t, UpdateEntity(ctx, e, payload.Object{"Name": "Edited"}, true))
		assert.True(t, e.HasChanges())
		assert.Equal(t, StateModified, e.State())
		assert.Equal(t, "Ann", e.LastData()["Name"])
	})

	t.Run("nil payload resets state and tracker", func(t *testing.T) {
		e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann"})
		e.Set("Name", "Bob")
		require.True(t, e.HasChanges())

		require.NoError(t, UpdateEntity(ctx, e, nil, false))
		assert.Equal(t, StateUnchanged, e.State())
		assert.False(t, e.HasChanges())
		assert.Equal(t, "Bob", e.Get("Name"))
	})

	t.Run("added becomes unchanged", func(t *testing.T) {
		e, _ := mapped(t, StateAdded, payload.Object{"Id": payload.TempKey(1), "Name": "A"})
		require.NoError(t, UpdateEntity(ctx, e, payload.Object{"Id": "srv-1", "Name": "A"}, false))
		assert.Equal(t, StateUnchanged, e.State())
		assert.Equal(t, "srv-1", e.Key())
	})

	t.Run("removed stays removed", func(t *testing.T) {
		e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1})
		require.NoError(t, e.SetState(StateRemoved))
		require.NoError(t, UpdateEntity(ctx, e, payload.Object{"Id": 1, "Name": "x"}, false))
		assert.Equal(t, StateRemoved, e.State())
	})

	t.Run("embedded relations are absorbed", func(t *testing.T) {
		e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1})
		orders := []any{map[string]any{"Id": 7.0}}
		require.NoError(t, UpdateEntity(ctx, e, payload.Object{"Id": 1, "Orders": orders}, false))

		view, ok := e.Relation("Orders")
		require.True(t, ok)
		assert.Equal(t, []any{orders}, view.(*fakeView).absorbed)
		assert.NotContains(t, e.Fields(), "Orders")
		assert.NotContains(t, e.LastData(), "Orders")
	})
}

func TestResetEntityRestoresLastData(t *testing.T) {
	owner := &fakeOwner{}
	e := NewEntity("Person", payload.Object{"Id": 1, "Name": "Ann"})
	require.NoError(t, AddMappingProperties(e, owner, personConfig(), StateUnchanged,
		payload.Object{"Id": 1, "Name": "Ann"}))

	e.Set("Name", "Bob")
	e.Set("Extra", true)
	require.True(t, e.HasChanges())

	ResetEntity(e)
	assert.Equal(t, StateUnchanged, e.State())
	assert.Equal(t, payload.Object{"Id": 1, "Name": "Ann"}, e.MappedFields())
	assert.False(t, e.HasChanges())
}

func TestDuplicateEntity(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann", "Scratch": "x"})
	dup := DuplicateEntity(e)

	assert.False(t, dup.IsMapped())
	assert.Equal(t, "Person", dup.Type())
	assert.Equal(t, payload.Object{"Name": "Ann"}, dup.Fields())

	dup.Set("Name", "Copy")
	assert.Equal(t, "Ann", e.Get("Name"))
}

func TestToJSFromJSRoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(personConfig()))
	require.NoError(t, reg.Register(&Configuration{Type: "Employee"}))

	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": "p1", "Name": "Ann", "Tags": []any{"a"}})
	raw := ToJS(e)
	assert.Equal(t, "Person", raw[payload.TypeField])

	back, cfg, err := FromJS(reg, raw, "Person")
	require.NoError(t, err)
	assert.Equal(t, "Person", cfg.Type)
	assert.Equal(t, e.Type(), back.Type())
	assert.Equal(t, e.MappedFields(), back.Fields())

	sub, cfg, err := FromJS(reg, payload.Object{payload.ODataTypeField: "#Employee", "Id": "e1"}, "Person")
	require.NoError(t, err)
	assert.Equal(t, "Employee", sub.Type())
	assert.Equal(t, "Employee", cfg.Type)
	assert.Equal(t, payload.Object{"Id": "e1"}, sub.Fields())
}

func TestFromJSRejectsUnknownType(t *testing.T) {
	_, _, err := FromJS(NewRegistry(), payload.Object{payload.TypeField: "Alien"}, "Person")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeUnknownType))

	e, cfg, err := FromJS(nil, payload.Object{"Id": 1}, "Person")
	require.NoError(t, err)
	assert.Equal(t, "Person", e.Type())
	assert.Empty(t, cfg.Relations)
}

func TestFromJSUsesFactory(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Configuration{
		Type: "Person",
		Factory: func(raw payload.Object) (payload.Object, error) {
			out := payload.Object{"Active": true}
			for k, v := range raw {
				out[k] = v
			}
			return out, nil
		},
	}))

	e, _, err := FromJS(reg, payload.Object{"Id": 1}, "Person")
	require.NoError(t, err)
	assert.Equal(t, true, e.Get("Active"))
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(personConfig()))
	err := reg.Register(personConfig())
	assert.True(t, errs.HasCode(err, errs.CodeDuplicate))
	assert.Equal(t, []string{"Person"}, reg.Types())
}

func TestInvokeAction(t *testing.T) {
	e, owner := mapped(t, StateUnchanged, payload.Object{"Id": 1})

	got, err := e.Invoke(context.Background(), "Promote", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []string{"Promote"}, owner.invoked)

	_, err = e.Invoke(context.Background(), "Fire", nil)
	assert.True(t, errs.HasCode(err, errs.CodeUnknownAction))

	_, err = NewEntity("Person", nil).Invoke(context.Background(), "Promote", nil)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestEntityAsQueryRecord(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1, "Name": "Ann"})
	view, _ := e.Relation("Orders")
	view.(*fakeView).value = []any{"x"}

	removed, ok := e.Field(query.RemovedField)
	assert.True(t, ok)
	assert.Equal(t, false, removed)

	orders, ok := e.Field("Orders")
	assert.True(t, ok)
	assert.Equal(t, []any{"x"}, orders)

	require.NoError(t, e.SetState(StateRemoved))
	out, err := query.Apply(query.New(), []*Entity{e}, false)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRemoveMappingProperties(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1})
	view, _ := e.Relation("Orders")

	RemoveMappingProperties(e)
	assert.False(t, e.IsMapped())
	assert.Equal(t, StateDetached, e.State())
	assert.True(t, view.(*fakeView).closed)
	assert.Equal(t, 1, e.Get("Id"))
}

func TestSubmittingGuard(t *testing.T) {
	e, _ := mapped(t, StateUnchanged, payload.Object{"Id": 1})
	assert.True(t, e.BeginSubmit())
	assert.True(t, e.IsSubmitting())
	assert.False(t, e.BeginSubmit())
	e.EndSubmit()
	assert.False(t, e.IsSubmitting())
	assert.True(t, e.BeginSubmit())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("")
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, s)
	s, err = ParseState("removed")
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, s)
	_, err = ParseState("gone")
	assert.Error(t, err)
}
