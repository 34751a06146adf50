// Package memory provides an in-process remote backend implementing the
// adapter ports. It is the remote side of tests, scenarios and the
// "serve" command.
//
// Entities live in a store.MemoryStore keyed by controller, so remote
// queries get the same filter, sort, page, $select and $expand semantics
// as local ones. Calls are recorded in order for assertions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
)

// DefaultKeyField is the key property of controllers registered without one.
const DefaultKeyField = "Id"

// Op names a backend operation in the call trace.
type Op string

const (
	OpGetAll   Op = "getAll"
	OpGetOne   Op = "getOne"
	OpPost     Op = "post"
	OpPut      Op = "put"
	OpRemove   Op = "remove"
	OpRelation Op = "relation"
	OpAction   Op = "action"
)

// Call is one recorded backend call.
type Call struct {
	Op         Op     `json:"op" yaml:"op"`
	Controller string `json:"controller" yaml:"controller"`
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Query      string `json:"query,omitempty" yaml:"query,omitempty"`
}

func (c Call) String() string {
	s := string(c.Op) + " " + c.Controller
	if c.Name != "" {
		s += "." + c.Name
	}
	if c.ID != "" {
		s += "/" + c.ID
	}
	if c.Query != "" {
		s += "?" + c.Query
	}
	return s
}

// RelationFunc serves a relation that cannot be derived from stored
// foreign keys.
type RelationFunc func(ctx context.Context, id string, q *query.Query) (adapter.Result, error)

// ActionFunc serves a custom action. id is empty for collection actions.
type ActionFunc func(ctx context.Context, id string, params payload.Object) (any, error)

// Hook runs before every call. A non-nil error fails the call.
// Hooks may block, e.g. to hold a call in flight.
type Hook func(ctx context.Context, c Call) error

// Backend is an in-process remote source.
type Backend struct {
	data *store.MemoryStore

	mu        sync.Mutex
	keyFields map[string]string
	relations map[string]store.Relation
	relFuncs  map[string]RelationFunc
	actions   map[string]ActionFunc
	failures  map[string][]error
	calls     []Call
	hook      Hook
	newKey    func(controller string) string
	logger    *slog.Logger
}

var (
	_ adapter.Adapter        = (*Backend)(nil)
	_ adapter.RelationGetter = (*Backend)(nil)
	_ adapter.ActionInvoker  = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithKeyFunc sets the server key generator. The default issues ULIDs.
func WithKeyFunc(fn func(controller string) string) Option {
	return func(b *Backend) { b.newKey = fn }
}

// WithHook installs a hook run before every call.
func WithHook(h Hook) Option {
	return func(b *Backend) { b.hook = h }
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		data:      store.NewMemoryStore(),
		keyFields: make(map[string]string),
		relations: make(map[string]store.Relation),
		relFuncs:  make(map[string]RelationFunc),
		actions:   make(map[string]ActionFunc),
		failures:  make(map[string][]error),
		logger:    slog.Default(),
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	b.newKey = ulidKeys(entropy)
	for _, opt := range opts {
		opt(b)
	}
	b.data.SetResolver(store.ResolverFunc(b.relation))
	return b
}

func ulidKeys(entropy io.Reader) func(string) string {
	var mu sync.Mutex
	return func(string) string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// Register declares a controller and its key field.
func (b *Backend) Register(controller, keyField string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyFields[controller] = keyField
}

// Relate declares a relation derivable from stored foreign keys. It
// serves both $expand and GetRelation.
func (b *Backend) Relate(controller string, rel store.Relation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rel.OwnerKey == "" {
		rel.OwnerKey = b.keyFieldLocked(controller)
	}
	b.relations[controller+"."+rel.Property] = rel
}

// HandleRelation registers a custom relation endpoint.
func (b *Backend) HandleRelation(controller, relation string, fn RelationFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relFuncs[controller+"."+relation] = fn
}

// HandleAction registers a custom action.
func (b *Backend) HandleAction(controller, action string, fn ActionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[controller+"."+action] = fn
}

// FailNext makes the next call of op on controller fail with err.
// Failures queue up in registration order.
func (b *Backend) FailNext(op Op, controller string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(op) + " " + controller
	b.failures[k] = append(b.failures[k], err)
}

// Seed stores entities without recording calls. Entities without a key
// get a generated one.
func (b *Backend) Seed(ctx context.Context, controller string, entities ...payload.Object) error {
	items := make([]store.Item, len(entities))
	for i, e := range entities {
		obj, key := b.withKey(controller, e)
		items[i] = store.Item{Key: key, State: "unchanged", Data: obj}
	}
	return b.data.AddRange(ctx, controller, items)
}

// Snapshot returns a controller's stored entities in insertion order.
func (b *Backend) Snapshot(ctx context.Context, controller string) ([]payload.Object, error) {
	items, err := b.data.GetAll(ctx, controller, nil)
	if err != nil {
		return nil, err
	}
	return dataOf(items), nil
}

// Calls returns a copy of the recorded calls.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// ResetCalls clears the call trace.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Reset drops all entities and the call trace. Registrations are kept.
func (b *Backend) Reset(ctx context.Context) error {
	b.ResetCalls()
	return b.data.Reset(ctx)
}

func (b *Backend) keyField(controller string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keyFieldLocked(controller)
}

func (b *Backend) keyFieldLocked(controller string) string {
	if k, ok := b.keyFields[controller]; ok {
		return k
	}
	return DefaultKeyField
}

func (b *Backend) relation(setName, property string) (store.Relation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rel, ok := b.relations[setName+"."+property]
	return rel, ok
}

// begin records c, runs the hook and pops an injected failure.
func (b *Backend) begin(ctx context.Context, c Call) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	hook := b.hook
	var injected error
	k := string(c.Op) + " " + c.Controller
	if q := b.failures[k]; len(q) > 0 {
		injected, b.failures[k] = q[0], q[1:]
	}
	b.mu.Unlock()

	b.logger.Debug("backend call", "call", c.String())
	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}

func queryString(q *query.Query) string {
	if q == nil {
		return ""
	}
	s, err := q.ToQueryString()
	if err != nil {
		return ""
	}
	return s
}

// withKey returns a copy of obj carrying a server key, generating one
// when the key is empty or temporary.
func (b *Backend) withKey(controller string, obj payload.Object) (payload.Object, string) {
	out := obj.Clone()
	if out == nil {
		out = payload.Object{}
	}
	field := b.keyField(controller)
	if v := out[field]; payload.IsEmptyKey(v) || payload.IsTempKey(v) {
		out[field] = b.newKey(controller)
	}
	return out, payload.KeyString(out[field])
}

func dataOf(items []store.Item) []payload.Object {
	out := make([]payload.Object, len(items))
	for i, it := range items {
		out[i] = it.Data
	}
	return out
}

// GetAll implements adapter.Adapter. Count is the unpaged match count.
func (b *Backend) GetAll(ctx context.Context, controller string, q *query.Query) (adapter.Result, error) {
	if err := b.begin(ctx, Call{Op: OpGetAll, Controller: controller, Query: queryString(q)}); err != nil {
		return adapter.Result{}, err
	}
	return b.collect(ctx, controller, q, nil)
}

func (b *Backend) collect(ctx context.Context, controller string, q *query.Query, scope func(*query.Query)) (adapter.Result, error) {
	if q == nil {
		q = query.New()
	}
	page := q.Clone()
	if scope != nil {
		scope(page)
	}
	items, err := b.data.GetAll(ctx, controller, page)
	if err != nil {
		return adapter.Result{}, err
	}
	count := len(items)
	if page.IsPaged() {
		counter := page.Unpaged()
		counter.Selects, counter.Expands = nil, nil
		all, err := b.data.GetAll(ctx, controller, counter)
		if err != nil {
			return adapter.Result{}, err
		}
		count = len(all)
	}
	return adapter.Result{Data: dataOf(items), Count: count}, nil
}

// GetOne implements adapter.Adapter.
func (b *Backend) GetOne(ctx context.Context, controller, id string, q *query.Query) (payload.Object, error) {
	if err := b.begin(ctx, Call{Op: OpGetOne, Controller: controller, ID: id, Query: queryString(q)}); err != nil {
		return nil, err
	}
	item, err := b.data.GetOne(ctx, controller, id, q)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", controller, id, adapter.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item.Data, nil
}

// Post implements adapter.Adapter. Empty or temporary keys are replaced
// by a server key.
func (b *Backend) Post(ctx context.Context, controller string, data payload.Object) (payload.Object, error) {
	if err := b.begin(ctx, Call{Op: OpPost, Controller: controller}); err != nil {
		return nil, err
	}
	obj, key := b.withKey(controller, data)
	if _, err := b.data.GetOne(ctx, controller, key, nil); err == nil {
		return nil, fmt.Errorf("%s/%s: %w", controller, key, adapter.ErrConflict)
	}
	if err := b.data.Add(ctx, controller, store.Item{Key: key, State: "unchanged", Data: obj}); err != nil {
		return nil, err
	}
	return obj.Clone(), nil
}

// Put implements adapter.Adapter. The stored key field is forced to id.
func (b *Backend) Put(ctx context.Context, controller, id string, data payload.Object) (payload.Object, error) {
	if err := b.begin(ctx, Call{Op: OpPut, Controller: controller, ID: id}); err != nil {
		return nil, err
	}
	existing, err := b.data.GetOne(ctx, controller, id, nil)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", controller, id, adapter.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	obj := data.Clone()
	if obj == nil {
		obj = payload.Object{}
	}
	field := b.keyField(controller)
	obj[field] = existing.Data[field]
	if err := b.data.Update(ctx, controller, store.Item{Key: id, State: "unchanged", Data: obj}); err != nil {
		return nil, err
	}
	return obj.Clone(), nil
}

// Remove implements adapter.Adapter.
func (b *Backend) Remove(ctx context.Context, controller, id string) error {
	if err := b.begin(ctx, Call{Op: OpRemove, Controller: controller, ID: id}); err != nil {
		return err
	}
	if _, err := b.data.GetOne(ctx, controller, id, nil); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", controller, id, adapter.ErrNotFound)
	}
	return b.data.Remove(ctx, controller, id)
}

// GetRelation implements adapter.RelationGetter. Custom handlers take
// precedence over declared relations.
func (b *Backend) GetRelation(ctx context.Context, controller, relation, id string, q *query.Query) (adapter.Result, error) {
	if err := b.begin(ctx, Call{Op: OpRelation, Controller: controller, Name: relation, ID: id, Query: queryString(q)}); err != nil {
		return adapter.Result{}, err
	}
	b.mu.Lock()
	fn, hasFn := b.relFuncs[controller+"."+relation]
	rel, hasRel := b.relations[controller+"."+relation]
	b.mu.Unlock()

	switch {
	case hasFn:
		return fn(ctx, id, q)
	case !hasRel:
		return adapter.Result{}, errs.New(errs.CodeRelationUnsupported, "unknown relation %s.%s", controller, relation)
	}

	owner, err := b.data.GetOne(ctx, controller, id, nil)
	if errors.Is(err, store.ErrNotFound) {
		return adapter.Result{}, fmt.Errorf("%s/%s: %w", controller, id, adapter.ErrNotFound)
	}
	if err != nil {
		return adapter.Result{}, err
	}

	if rel.Kind == store.ToOne {
		target, err := b.data.GetOne(ctx, rel.TargetSet, payload.KeyString(owner.Data[rel.ForeignKey]), q)
		if errors.Is(err, store.ErrNotFound) {
			return adapter.Result{Data: []payload.Object{}}, nil
		}
		if err != nil {
			return adapter.Result{}, err
		}
		return adapter.Result{Data: []payload.Object{target.Data}, Count: 1}, nil
	}

	ownerKey := owner.Data[rel.OwnerKey]
	return b.collect(ctx, rel.TargetSet, q, func(scoped *query.Query) {
		scope := query.New().Where(rel.ForeignKey, query.OpEq, ownerKey)
		if len(scoped.Clauses) > 0 {
			scope.And().WhereGroup(scoped)
		}
		scoped.Clauses = scope.Clauses
	})
}

// Action implements adapter.ActionInvoker.
func (b *Backend) Action(ctx context.Context, controller, action string, params payload.Object, id string) (any, error) {
	if err := b.begin(ctx, Call{Op: OpAction, Controller: controller, Name: action, ID: id}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	fn, ok := b.actions[controller+"."+action]
	b.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeUnknownAction, "unknown action %s.%s", controller, action)
	}
	return fn(ctx, id, params)
}
