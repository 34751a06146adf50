package data

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/telemetry"
)

// saveConcurrency bounds the remote calls SaveChanges keeps in flight.
const saveConcurrency = 8

// QueryResult is the outcome of Set.Query. Count is the server total for
// remote queries and the unpaged match count for local ones.
type QueryResult struct {
	Entities []*mapping.Entity
	Count    int
}

// Query fetches q through the adapter. With refresh it upserts the
// response and, for unpaged queries, detaches matching local entities the
// server no longer reports. Without refresh the payloads come back as
// detached entities and the set is left alone.
func (s *Set) Query(ctx context.Context, q *query.Query, refresh bool) (QueryResult, error) {
	if q == nil {
		q = query.New()
	}
	if err := q.Validate(); err != nil {
		return QueryResult{}, err
	}
	if s.adapter == nil {
		return QueryResult{}, fmt.Errorf("query %s: %w", s.name, ErrNoAdapter)
	}
	ctx, span := telemetry.StartSpan(ctx, "entsync.query",
		attribute.String("set", s.name), attribute.Bool("paged", q.IsPaged()),
		attribute.Bool("refresh", refresh))
	res, err := s.adapter.GetAll(ctx, s.controller, q)
	s.dc.metrics.ObserveRemote(s.name, "query", telemetry.Outcome(err))
	if err != nil {
		telemetry.EndSpan(span, err)
		return QueryResult{}, fmt.Errorf("query %s: %w", s.name, err)
	}

	if !refresh {
		entities, err := s.detached(res.Data)
		telemetry.EndSpan(span, err)
		if err != nil {
			return QueryResult{}, fmt.Errorf("query %s: %w", s.name, err)
		}
		return QueryResult{Entities: entities, Count: res.Count}, nil
	}

	entities, err := s.AttachOrUpdateRange(ctx, res.Data, false)
	if err == nil && !q.IsPaged() {
		err = s.reconcile(ctx, q, entities)
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query %s: %w", s.name, err)
	}

	if len(q.Clauses) == 0 && (!q.IsPaged() || q.Total) {
		s.SetRemoteCount(res.Count)
	}
	s.logger.Debug("queried", "returned", len(res.Data), "count", res.Count)
	return QueryResult{Entities: entities, Count: res.Count}, nil
}

// detached builds unmapped entities from server payloads.
func (s *Set) detached(data []payload.Object) ([]*mapping.Entity, error) {
	out := make([]*mapping.Entity, 0, len(data))
	for _, obj := range data {
		e, _, err := mapping.FromJS(s.dc.registry, obj, s.defaultType)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// QueryLocal filters, sorts and pages the set's contents. Count is the
// unpaged match count.
func (s *Set) QueryLocal(q *query.Query) (QueryResult, error) {
	if q == nil {
		q = query.New()
	}
	contents := s.Contents()
	page, err := query.Apply(q, contents, true)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Entities: page, Count: len(query.FilterRecords(q, contents))}, nil
}

// reconcile detaches local entities matched by q that the server did not
// return. Entities not yet created remotely are kept.
func (s *Set) reconcile(ctx context.Context, q *query.Query, returned []*mapping.Entity) error {
	seen := make(map[*mapping.Entity]bool, len(returned))
	for _, e := range returned {
		seen[e] = true
	}
	scope := q.Clone()
	scope.IncludeDeleted = true
	var gone []*mapping.Entity
	for _, e := range query.FilterRecords(scope, s.Contents()) {
		if !seen[e] && e.State() != mapping.StateAdded {
			gone = append(gone, e)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	s.logger.Debug("reconcile detaching", "count", len(gone))
	return s.detach(ctx, gone)
}

// Refresh re-fetches the whole set.
func (s *Set) Refresh(ctx context.Context) error {
	_, err := s.Query(ctx, query.New(), true)
	return err
}

// Load fetches one entity by key and upserts it.
func (s *Set) Load(ctx context.Context, key any) (*mapping.Entity, error) {
	if s.adapter == nil {
		return nil, fmt.Errorf("load %s: %w", s.name, ErrNoAdapter)
	}
	id := payload.KeyString(key)
	obj, err := s.adapter.GetOne(ctx, s.controller, id, nil)
	s.dc.metrics.ObserveRemote(s.name, "load", telemetry.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", s.name, id, err)
	}
	return s.AttachOrUpdate(ctx, obj, false)
}

// Hydrate restores the set from its store, pending states included.
// Nothing is sent; pending edits go out with the next SaveChanges.
// Returns the number of entities attached.
func (s *Set) Hydrate(ctx context.Context) (int, error) {
	items, err := s.store.GetAll(ctx, s.name, query.New().WithDeleted())
	if err != nil {
		return 0, fmt.Errorf("hydrate %s: %w", s.name, err)
	}

	entities := make([]*mapping.Entity, 0, len(items))
	for _, it := range items {
		if s.FindByKey(it.Key) != nil {
			continue
		}
		e, cfg, err := mapping.FromJS(s.dc.registry, it.Data, s.defaultType)
		if err != nil {
			return 0, fmt.Errorf("hydrate %s/%s: %w", s.name, it.Key, err)
		}
		state, err := mapping.ParseState(it.State)
		if err != nil {
			return 0, fmt.Errorf("hydrate %s/%s: %w", s.name, it.Key, err)
		}
		if err := mapping.AddMappingProperties(e, s, cfg, state, it.Data); err != nil {
			return 0, fmt.Errorf("hydrate %s/%s: %w", s.name, it.Key, err)
		}
		if state == mapping.StateModified {
			e.MarkModified()
		}
		s.dc.keys.Observe(e.Get(s.keyField))
		entities = append(entities, e)
	}

	var attached []*mapping.Entity
	s.notifier.Batch(func() bool {
		attached, err = s.attach(ctx, entities, false)
		return len(attached) > 0
	})
	if err != nil {
		for _, e := range entities {
			mapping.RemoveMappingProperties(e)
		}
		return 0, err
	}
	s.logger.Info("hydrated", "count", len(attached))
	return len(attached), nil
}

// Action invokes a collection-level action.
func (s *Set) Action(ctx context.Context, action string, params payload.Object) (any, error) {
	return s.invoke(ctx, action, params, "")
}

// InvokeAction implements mapping.Owner.
func (s *Set) InvokeAction(ctx context.Context, e *mapping.Entity, action string, params payload.Object) (any, error) {
	return s.invoke(ctx, action, params, payload.KeyString(e.Get(s.keyField)))
}

func (s *Set) invoke(ctx context.Context, action string, params payload.Object, id string) (any, error) {
	inv, ok := s.adapter.(adapter.ActionInvoker)
	if !ok {
		return nil, errs.New(errs.CodeActionUnsupported, "adapter of set %q has no actions", s.name).
			With("action", action)
	}
	ctx, span := telemetry.StartSpan(ctx, "entsync.action",
		attribute.String("set", s.name), attribute.String("action", action))
	out, err := inv.Action(ctx, s.controller, action, params, id)
	telemetry.EndSpan(span, err)
	s.dc.metrics.ObserveRemote(s.name, "action", telemetry.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("action %s.%s: %w", s.name, action, err)
	}
	return out, nil
}

// CreateView returns a live projection of the set. A nil q selects
// everything.
func (s *Set) CreateView(q *query.Query) *View {
	return newView(s, q)
}

// refresher is implemented by relation views that can reload themselves.
type refresher interface {
	Refresh(ctx context.Context) error
}

// RefreshRelations reloads every relation view of e.
func (s *Set) RefreshRelations(ctx context.Context, e *mapping.Entity) error {
	var errList []error
	for prop, view := range e.Relations() {
		r, ok := view.(refresher)
		if !ok {
			continue
		}
		if err := r.Refresh(ctx); err != nil {
			errList = append(errList, fmt.Errorf("refresh %s.%s: %w", s.name, prop, err))
		}
	}
	return errors.Join(errList...)
}

// SaveEntity sends e's pending change, if any.
func (s *Set) SaveEntity(ctx context.Context, e *mapping.Entity) error {
	if !s.owns(e) {
		return nil
	}
	switch e.State() {
	case mapping.StateAdded:
		return s.remoteCreate(ctx, e)
	case mapping.StateUnchanged, mapping.StateModified:
		if e.HasChanges() {
			return s.remoteUpdate(ctx, e)
		}
	case mapping.StateRemoved:
		return s.remoteRemove(ctx, e)
	}
	return nil
}

// SaveChanges sends every pending create, update and remove of the set
// concurrently.
func (s *Set) SaveChanges(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(saveConcurrency)
	n := 0
	for _, e := range s.Contents() {
		if e.State() == mapping.StateUnchanged && !e.HasChanges() {
			continue
		}
		n++
		g.Go(func() error {
			return s.SaveEntity(ctx, e)
		})
	}
	err := g.Wait()
	if n > 0 {
		s.logger.Info("saved changes", "pending", n, "error", err)
	}
	return err
}

// scheduleRemote queues fn for e. The task is dropped when e has left the
// set, or when its state no longer satisfies ok by the time it runs.
func (s *Set) scheduleRemote(op string, e *mapping.Entity, ok func(mapping.State) bool, fn func(context.Context, *mapping.Entity) error) {
	s.dc.schedule(s.name+" "+op, func(ctx context.Context) error {
		if !s.owns(e) || !ok(e.State()) {
			return nil
		}
		return fn(ctx, e)
	})
}

func stateIs(states ...mapping.State) func(mapping.State) bool {
	return func(s mapping.State) bool {
		return slices.Contains(states, s)
	}
}

// submit runs one guarded remote operation. A concurrent operation on the
// same entity makes this one a no-op. The guard is always released.
func (s *Set) submit(ctx context.Context, op string, e *mapping.Entity, fn func(ctx context.Context) error) error {
	if s.adapter == nil {
		return fmt.Errorf("%s %s: %w", op, s.name, ErrNoAdapter)
	}
	if !e.BeginSubmit() {
		s.dc.metrics.ObserveRemote(s.name, op, telemetry.OutcomeSkipped)
		s.logger.Debug("remote operation already in flight", "op", op, "key", e.Key())
		return nil
	}
	defer e.EndSubmit()

	ctx, span := telemetry.StartSpan(ctx, "entsync."+op,
		attribute.String("set", s.name), attribute.String("key", payload.KeyString(e.Key())))
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	s.dc.metrics.ObserveRemote(s.name, op, telemetry.Outcome(err))
	if err != nil {
		return fmt.Errorf("%s %s/%v: %w", op, s.name, e.Key(), err)
	}
	return nil
}

// remoteCreate posts an added entity and adopts the server's response,
// which usually replaces the temporary key.
func (s *Set) remoteCreate(ctx context.Context, e *mapping.Entity) error {
	return s.submit(ctx, "create", e, func(ctx context.Context) error {
		sent := mapping.ToJS(e)
		if payload.IsTempKey(sent[s.keyField]) {
			delete(sent, s.keyField)
		}
		resp, err := s.adapter.Post(ctx, s.controller, sent)
		if err != nil {
			return err
		}
		if resp == nil {
			resp = sent
		}
		if !s.owns(e) {
			return nil
		}
		if err := mapping.UpdateEntity(ctx, e, resp, false); err != nil {
			return err
		}
		if s.dc.autoLazy {
			return s.RefreshRelations(ctx, e)
		}
		return nil
	})
}

func (s *Set) remoteUpdate(ctx context.Context, e *mapping.Entity) error {
	return s.submit(ctx, "update", e, func(ctx context.Context) error {
		sent := mapping.ToJS(e)
		resp, err := s.adapter.Put(ctx, s.controller, payload.KeyString(e.Key()), sent)
		if err != nil {
			return err
		}
		if resp == nil {
			resp = sent
		}
		if !s.owns(e) {
			return nil
		}
		return mapping.UpdateEntity(ctx, e, resp, false)
	})
}

// remoteRemove deletes e remotely and detaches it. An entity the server
// no longer has counts as removed.
func (s *Set) remoteRemove(ctx context.Context, e *mapping.Entity) error {
	return s.submit(ctx, "remove", e, func(ctx context.Context) error {
		err := s.adapter.Remove(ctx, s.controller, payload.KeyString(e.Key()))
		if err != nil && !errors.Is(err, adapter.ErrNotFound) {
			return err
		}
		return s.Detach(ctx, e)
	})
}
