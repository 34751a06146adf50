package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
)

func TestAddSetValidation(t *testing.T) {
	dc := NewContext(nil, nil, WithStore("cache", store.NewMemoryStore()))
	defer dc.Close()

	s, err := dc.AddSet(SetConfig{Name: "People", Store: "cache"})
	require.NoError(t, err)
	assert.Equal(t, "Id", s.KeyField())
	assert.Equal(t, "People", s.DefaultType())
	assert.Equal(t, "People", s.Controller())

	_, err = dc.AddSet(SetConfig{Name: "People"})
	assert.True(t, errs.HasCode(err, errs.CodeDuplicate))
	_, err = dc.AddSet(SetConfig{Name: "Orders", Adapter: "rest"})
	assert.True(t, errs.HasCode(err, errs.CodeUnknownAdapter))
	_, err = dc.AddSet(SetConfig{Name: "Orders", Store: "disk"})
	assert.True(t, errs.HasCode(err, errs.CodeUnknownStore))
	_, err = dc.Set("Orders")
	assert.True(t, errs.HasCode(err, errs.CodeUnknownSet))

	got, err := dc.Set("People")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Len(t, dc.Sets(), 1)
}

func TestContextReset(t *testing.T) {
	f := newFixture(t, WithBuffered(true))
	e := mapping.NewEntity("People", payload.Object{"Id": 1})
	require.NoError(t, f.people.Attach(f.ctx, e))

	require.NoError(t, f.dc.Reset(f.ctx))
	assert.Zero(t, f.people.LocalCount())
	assert.Equal(t, mapping.StateDetached, e.State())
	assert.Equal(t, -1, f.people.RemoteCount())
	items, err := f.store.GetAll(f.ctx, "People", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, f.backend.Calls())
}

func TestStoreExpandUsesContextRelations(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	dc := NewContext(nil, st)
	defer dc.Close()
	require.NoError(t, dc.Register(&mapping.Configuration{
		Type:      "People",
		Relations: []mapping.Relation{{Property: "Orders", Kind: mapping.Many, Controller: "Orders", ForeignKey: "PersonId"}},
	}))
	people, err := dc.AddSet(SetConfig{Name: "People"})
	require.NoError(t, err)
	orders, err := dc.AddSet(SetConfig{Name: "Orders"})
	require.NoError(t, err)

	require.NoError(t, people.Attach(ctx, mapping.NewEntity("People", payload.Object{"Id": "p1"})))
	require.NoError(t, orders.AttachRange(ctx,
		mapping.NewEntity("Orders", payload.Object{"Id": "o1", "PersonId": "p1"}),
		mapping.NewEntity("Orders", payload.Object{"Id": "o2", "PersonId": "p9"}),
	))

	item, err := st.GetOne(ctx, "People", "p1", query.New().Expand("Orders"))
	require.NoError(t, err)
	expanded, ok := item.Data["Orders"].([]any)
	require.True(t, ok, "got %T", item.Data["Orders"])
	assert.Len(t, expanded, 1)

	_, ok = dc.Relation("People", "Nope")
	assert.False(t, ok)
}

func TestFlushReportsBackgroundFailures(t *testing.T) {
	f := newFixture(t)
	f.backend.FailNext("post", "People", assert.AnError)
	require.NoError(t, f.people.Add(f.ctx, f.people.New(payload.Object{"Name": "x"})))

	err := f.dc.Flush(f.ctx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, f.dc.Flush(f.ctx), "errors are reported once")
}
