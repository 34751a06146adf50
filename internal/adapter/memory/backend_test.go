package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/testutil"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(WithKeyFunc(testutil.NewSequentialKeys("srv-").Next))
	ctx := context.Background()
	require.NoError(t, b.Seed(ctx, "Customers",
		payload.Object{"Id": "c1", "Name": "Acme"},
		payload.Object{"Id": "c2", "Name": "Bolt"},
	))
	require.NoError(t, b.Seed(ctx, "Orders",
		payload.Object{"Id": "o1", "CustomerId": "c1", "Total": 5},
		payload.Object{"Id": "o2", "CustomerId": "c2", "Total": 7},
		payload.Object{"Id": "o3", "CustomerId": "c1", "Total": 9},
	))
	b.Relate("Customers", store.Relation{Property: "Orders", TargetSet: "Orders", ForeignKey: "CustomerId", Kind: store.ToMany})
	b.Relate("Orders", store.Relation{Property: "Customer", TargetSet: "Customers", ForeignKey: "CustomerId", Kind: store.ToOne})
	return b
}

func ids(objs []payload.Object) []any {
	out := make([]any, len(objs))
	for i, o := range objs {
		out[i] = o["Id"]
	}
	return out
}

func TestGetAllCountsUnpagedMatches(t *testing.T) {
	b := newBackend(t)
	q := query.New().Where("CustomerId", query.OpEq, "c1").OrderByDesc("Total").Page(1, 1).WithTotal()

	res, err := b.GetAll(context.Background(), "Orders", q)
	require.NoError(t, err)
	assert.Equal(t, []any{"o3"}, ids(res.Data))
	assert.Equal(t, 2, res.Count)

	res, err = b.GetAll(context.Background(), "Orders", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
}

func TestPostAssignsServerKey(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	created, err := b.Post(ctx, "Customers", payload.Object{"Id": payload.TempKey(1), "Name": "New"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created["Id"])

	created, err = b.Post(ctx, "Customers", payload.Object{"Name": "Other"})
	require.NoError(t, err)
	assert.Equal(t, "srv-2", created["Id"])

	created, err = b.Post(ctx, "Customers", payload.Object{"Id": "mine", "Name": "Kept"})
	require.NoError(t, err)
	assert.Equal(t, "mine", created["Id"])

	_, err = b.Post(ctx, "Customers", payload.Object{"Id": "mine"})
	assert.ErrorIs(t, err, adapter.ErrConflict)
}

func TestDefaultKeysAreULIDs(t *testing.T) {
	b := New()
	created, err := b.Post(context.Background(), "Things", payload.Object{})
	require.NoError(t, err)
	_, err = ulid.ParseStrict(created["Id"].(string))
	assert.NoError(t, err)
}

func TestRegisterKeyField(t *testing.T) {
	b := New(WithKeyFunc(testutil.NewSequentialKeys("k").Next))
	b.Register("Tags", "Code")
	created, err := b.Post(context.Background(), "Tags", payload.Object{"Label": "x"})
	require.NoError(t, err)
	assert.Equal(t, "k1", created["Code"])
	_, hasID := created["Id"]
	assert.False(t, hasID)
}

func TestPutAndRemove(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	updated, err := b.Put(ctx, "Customers", "c1", payload.Object{"Id": "ignored", "Name": "Acme2"})
	require.NoError(t, err)
	assert.Equal(t, "c1", updated["Id"])

	got, err := b.GetOne(ctx, "Customers", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme2", got["Name"])

	_, err = b.Put(ctx, "Customers", "nope", payload.Object{})
	assert.ErrorIs(t, err, adapter.ErrNotFound)

	require.NoError(t, b.Remove(ctx, "Customers", "c2"))
	assert.ErrorIs(t, b.Remove(ctx, "Customers", "c2"), adapter.ErrNotFound)
	_, err = b.GetOne(ctx, "Customers", "c2", nil)
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestExpandAndRelations(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	c, err := b.GetOne(ctx, "Customers", "c1", query.New().Expand("Orders"))
	require.NoError(t, err)
	orders, ok := payload.AsObjects(c["Orders"])
	require.True(t, ok)
	assert.Equal(t, []any{"o1", "o3"}, ids(orders))

	res, err := b.GetRelation(ctx, "Customers", "Orders", "c1", query.New().Where("Total", query.OpGt, 6))
	require.NoError(t, err)
	assert.Equal(t, []any{"o3"}, ids(res.Data))

	res, err = b.GetRelation(ctx, "Orders", "Customer", "o2", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"c2"}, ids(res.Data))

	_, err = b.GetRelation(ctx, "Orders", "Lines", "o2", nil)
	assert.True(t, errs.HasCode(err, errs.CodeRelationUnsupported))

	b.HandleRelation("Customers", "Tags", func(ctx context.Context, id string, q *query.Query) (adapter.Result, error) {
		return adapter.Result{Data: []payload.Object{{"Id": "t-" + id}}, Count: 1}, nil
	})
	res, err = b.GetRelation(ctx, "Customers", "Tags", "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"t-c2"}, ids(res.Data))
}

func TestActions(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.HandleAction("Orders", "Approve", func(ctx context.Context, id string, params payload.Object) (any, error) {
		return payload.Object{"approved": id, "by": params["by"]}, nil
	})

	out, err := b.Action(ctx, "Orders", "Approve", payload.Object{"by": "me"}, "o1")
	require.NoError(t, err)
	assert.Equal(t, payload.Object{"approved": "o1", "by": "me"}, out)

	_, err = b.Action(ctx, "Orders", "Ship", nil, "")
	assert.True(t, errs.HasCode(err, errs.CodeUnknownAction))
}

func TestCallTraceAndFailures(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	boom := errors.New("boom")
	b.FailNext(OpPut, "Customers", boom)

	_, err := b.Put(ctx, "Customers", "c1", payload.Object{"Name": "x"})
	assert.ErrorIs(t, err, boom)
	_, err = b.Put(ctx, "Customers", "c1", payload.Object{"Name": "y"})
	assert.NoError(t, err)
	_, err = b.GetAll(ctx, "Orders", query.New().Where("Total", query.OpEq, 5))
	require.NoError(t, err)

	calls := b.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "put Customers/c1", calls[0].String())
	assert.Equal(t, "getAll Orders?$filter=Total eq 5", calls[2].String())

	b.ResetCalls()
	assert.Empty(t, b.Calls())
}

func TestHookHoldsCall(t *testing.T) {
	gate := testutil.NewGate()
	b := New(WithHook(func(ctx context.Context, c Call) error {
		if c.Op == OpPost {
			return gate.Wait(ctx)
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := b.Post(context.Background(), "Things", payload.Object{"Id": "a"})
		done <- err
	}()
	<-gate.Entered()

	snap, err := b.Snapshot(context.Background(), "Things")
	require.NoError(t, err)
	assert.Empty(t, snap)

	gate.Open()
	require.NoError(t, <-done)
	snap, err = b.Snapshot(context.Background(), "Things")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}
