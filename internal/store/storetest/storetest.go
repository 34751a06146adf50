// Package storetest is a conformance suite for store.DataStore
// implementations. Each backend's tests call Run with a factory.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
)

// Factory returns a fresh, initialized store. The suite closes it.
type Factory func(t *testing.T) store.DataStore

// Run runs every conformance case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.DataStore)
	}{
		{"InsertionOrder", testInsertionOrder},
		{"AddReplacesInPlace", testAddReplacesInPlace},
		{"UpdateMissing", testUpdateMissing},
		{"RemoveAndReset", testRemoveAndReset},
		{"GetOne", testGetOne},
		{"SetsAreIsolated", testSetsAreIsolated},
		{"FilterSortPage", testFilterSortPage},
		{"RemovedExcluded", testRemovedExcluded},
		{"FunctionFilters", testFunctionFilters},
		{"ExpandSelect", testExpandSelect},
		{"StatePersisted", testStatePersisted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

// People is the fixture used by most cases.
func People() []store.Item {
	return []store.Item{
		{Key: "1", State: "unchanged", Data: payload.Object{"Id": 1, "Name": "Ann", "Age": 31, "Active": true, "City": "Paris"}},
		{Key: "2", State: "unchanged", Data: payload.Object{"Id": 2, "Name": "bob", "Age": 25, "Active": false, "City": "Berlin"}},
		{Key: "3", State: "modified", Data: payload.Object{"Id": 3, "Name": "Cid", "Age": 40, "Active": true, "City": "Paris"}},
		{Key: "4", State: "unchanged", Data: payload.Object{"Id": 4, "Name": "Dee", "Age": 25, "Active": true, "City": nil}},
		{Key: "5", State: "added", Data: payload.Object{"Id": 5, "Name": "Eve", "Age": 19, "Active": false, "City": "Rome"}},
	}
}

// Keys returns the keys of items in order.
func Keys(items []store.Item) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}

func seed(t *testing.T, s store.DataStore) context.Context {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AddRange(ctx, "People", People()))
	return ctx
}

func getAll(t *testing.T, s store.DataStore, set string, q *query.Query) []store.Item {
	t.Helper()
	items, err := s.GetAll(context.Background(), set, q)
	require.NoError(t, err)
	return items
}

func testInsertionOrder(t *testing.T, s store.DataStore) {
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Add(ctx, "Letters", store.Item{Key: k, State: "unchanged", Data: payload.Object{"K": k}}))
	}
	assert.Equal(t, []string{"c", "a", "b"}, Keys(getAll(t, s, "Letters", nil)))
}

func testAddReplacesInPlace(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	require.NoError(t, s.Add(ctx, "People", store.Item{Key: "2", State: "modified", Data: payload.Object{"Id": 2, "Name": "Bobby"}}))

	items := getAll(t, s, "People", query.New().WithDeleted())
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, Keys(items))
	assert.Equal(t, "Bobby", items[1].Data["Name"])
	assert.Equal(t, "modified", items[1].State)
}

func testUpdateMissing(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	err := s.UpdateRange(ctx, "People", []store.Item{
		{Key: "1", State: "modified", Data: payload.Object{"Id": 1, "Name": "Changed"}},
		{Key: "99", State: "modified", Data: payload.Object{"Id": 99}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	one, err := s.GetOne(ctx, "People", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ann", one.Data["Name"], "failed range must not write")

	require.NoError(t, s.Update(ctx, "People", store.Item{Key: "1", State: "modified", Data: payload.Object{"Id": 1, "Name": "Anna"}}))
	one, err = s.GetOne(ctx, "People", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Anna", one.Data["Name"])
}

func testRemoveAndReset(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	require.NoError(t, s.Remove(ctx, "People", "2"))
	require.NoError(t, s.RemoveRange(ctx, "People", []string{"3", "missing"}))
	assert.Equal(t, []string{"1", "4", "5"}, Keys(getAll(t, s, "People", nil)))

	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, getAll(t, s, "People", nil))
}

func testGetOne(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	one, err := s.GetOne(ctx, "People", "3", nil)
	require.NoError(t, err)
	assert.Equal(t, "Cid", one.Data["Name"])
	assert.True(t, payload.Equal(3, one.Data["Id"]))

	_, err = s.GetOne(ctx, "People", "42", nil)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testSetsAreIsolated(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	require.NoError(t, s.Add(ctx, "Other", store.Item{Key: "1", State: "unchanged", Data: payload.Object{"Id": "x"}}))
	assert.Len(t, getAll(t, s, "People", nil), 5)
	assert.Len(t, getAll(t, s, "Other", nil), 1)

	require.NoError(t, s.Remove(ctx, "Other", "1"))
	_, err := s.GetOne(ctx, "People", "1", nil)
	assert.NoError(t, err)
}

func testFilterSortPage(t *testing.T, s store.DataStore) {
	seed(t, s)

	q := query.New().Where("City", query.OpEq, "Paris").OrWhere("Age", query.OpLt, 20)
	assert.Equal(t, []string{"1", "3", "5"}, Keys(getAll(t, s, "People", q)))

	q = query.New().WhereTrue("Active").OrderByDesc("Age").OrderBy("Name")
	assert.Equal(t, []string{"3", "1", "4"}, Keys(getAll(t, s, "People", q)))

	q = query.New().OrderBy("Age").OrderBy("Id").Page(2, 2)
	assert.Equal(t, []string{"4", "1"}, Keys(getAll(t, s, "People", q)))

	q = query.New().Where("City", query.OpEq, nil)
	assert.Equal(t, []string{"4"}, Keys(getAll(t, s, "People", q)))

	q = query.New().Where("City", query.OpNe, "Paris")
	assert.Equal(t, []string{"2", "4", "5"}, Keys(getAll(t, s, "People", q)))

	_, err := s.GetAll(context.Background(), "People", query.New().Page(1, 2))
	assert.Error(t, err, "paging without ordering")
}

func testRemovedExcluded(t *testing.T, s store.DataStore) {
	ctx := seed(t, s)
	require.NoError(t, s.Update(ctx, "People", store.Item{Key: "2", State: store.StateRemoved, Data: payload.Object{"Id": 2, "Name": "bob"}}))

	assert.Equal(t, []string{"1", "3", "4", "5"}, Keys(getAll(t, s, "People", nil)))
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, Keys(getAll(t, s, "People", query.New().WithDeleted())))
}

func testFunctionFilters(t *testing.T, s store.DataStore) {
	seed(t, s)

	q := query.New().WhereFunc("substringof", "Name", query.OpNone, nil, "B")
	assert.Equal(t, []string{"2"}, Keys(getAll(t, s, "People", q)))

	q = query.New().WhereFunc("tolower", "City", query.OpEq, "paris")
	assert.Equal(t, []string{"1", "3"}, Keys(getAll(t, s, "People", q)))

	// not expressible in SQL; evaluated locally by SQL backends
	q = query.New().WhereFunc("isof", "Age", query.OpNone, nil, "Edm.Int32").AndWhere("Age", query.OpGt, 30)
	assert.Equal(t, []string{"1", "3"}, Keys(getAll(t, s, "People", q)))

	q = query.New().WhereFunc("indexof", "Name", query.OpGe, 1, "e").OrderBy("Name")
	assert.Equal(t, []string{"4", "5"}, Keys(getAll(t, s, "People", q)))
}

func testExpandSelect(t *testing.T, s store.DataStore) {
	rs, ok := s.(store.ResolverSetter)
	if !ok {
		t.Skip("store does not support $expand")
	}
	rs.SetResolver(store.ResolverFunc(func(set, prop string) (store.Relation, bool) {
		switch {
		case set == "Customers" && prop == "Orders":
			return store.Relation{Property: prop, TargetSet: "Orders", ForeignKey: "CustomerId", Kind: store.ToMany, OwnerKey: "Id"}, true
		case set == "Orders" && prop == "Customer":
			return store.Relation{Property: prop, TargetSet: "Customers", ForeignKey: "CustomerId", Kind: store.ToOne}, true
		}
		return store.Relation{}, false
	}))

	ctx := context.Background()
	require.NoError(t, s.AddRange(ctx, "Customers", []store.Item{
		{Key: "1", State: "unchanged", Data: payload.Object{"Id": 1, "Name": "Acme"}},
		{Key: "2", State: "unchanged", Data: payload.Object{"Id": 2, "Name": "Bolt"}},
	}))
	require.NoError(t, s.AddRange(ctx, "Orders", []store.Item{
		{Key: "10", State: "unchanged", Data: payload.Object{"Id": 10, "CustomerId": 1}},
		{Key: "11", State: "unchanged", Data: payload.Object{"Id": 11, "CustomerId": 2}},
		{Key: "12", State: "unchanged", Data: payload.Object{"Id": 12, "CustomerId": 1}},
	}))

	items := getAll(t, s, "Customers", query.New().Expand("Orders").Select("Name"))
	require.Len(t, items, 2)
	assert.Equal(t, []string{"Name", "Orders"}, items[0].Data.Keys())
	orders, ok := payload.AsObjects(items[0].Data["Orders"])
	require.True(t, ok)
	require.Len(t, orders, 2)
	assert.True(t, payload.Equal(10, orders[0]["Id"]))
	assert.True(t, payload.Equal(12, orders[1]["Id"]))

	order, err := s.GetOne(ctx, "Orders", "11", query.New().Expand("Customer"))
	require.NoError(t, err)
	customer, ok := payload.AsObject(order.Data["Customer"])
	require.True(t, ok)
	assert.Equal(t, "Bolt", customer["Name"])

	nested := getAll(t, s, "Orders", query.New().Where("Id", query.OpEq, 12).Expand("Customer/Orders"))
	require.Len(t, nested, 1)
	customer, _ = payload.AsObject(nested[0].Data["Customer"])
	siblings, _ := payload.AsObjects(customer["Orders"])
	assert.Len(t, siblings, 2)
}

func testStatePersisted(t *testing.T, s store.DataStore) {
	seed(t, s)
	byKey := map[string]string{}
	for _, it := range getAll(t, s, "People", query.New().WithDeleted()) {
		byKey[it.Key] = it.State
	}
	assert.Equal(t, map[string]string{
		"1": "unchanged", "2": "unchanged", "3": "modified", "4": "unchanged", "5": "added",
	}, byKey)
}
