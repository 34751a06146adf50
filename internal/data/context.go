// Package data is the synchronization core: a Context binds adapters,
// stores and entity configurations; each Set is the authoritative local
// collection of one entity type; Views and relation views project sets.
//
// Thread-safety model:
//   - Set operations are safe from any goroutine and block on the ports.
//   - Entity edits notify the owning set synchronously; the set persists
//     them and, in unbuffered mode, dispatches remote calls through the
//     context's FIFO scheduler.
//   - Flush waits for the scheduler and reports failed background work.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/telemetry"
)

// DefaultName is the registry name of the adapter and store passed to
// NewContext.
const DefaultName = "default"

// ErrNoAdapter is returned by remote operations of a set without adapter.
var ErrNoAdapter = errors.New("data: set has no adapter")

// Context is the composition root: adapters and stores by name, the
// mapping registry, and the sets built on them.
type Context struct {
	registry *mapping.Registry
	adapters map[string]adapter.Adapter
	stores   map[string]store.DataStore

	buffered bool
	autoLazy bool
	keys     *TempKeys
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu   sync.RWMutex
	sets map[string]*Set
	list []*Set

	sched  *scheduler
	cancel context.CancelFunc

	errMu     sync.Mutex
	asyncErrs []error
	closeOnce sync.Once
}

// Option configures a Context.
type Option func(*Context)

// WithBuffered keeps local edits local until SaveChanges.
func WithBuffered(buffered bool) Option {
	return func(c *Context) {
		c.buffered = buffered
	}
}

// WithAutoLazyLoading refreshes relations of attached and created entities.
func WithAutoLazyLoading(enabled bool) Option {
	return func(c *Context) {
		c.autoLazy = enabled
	}
}

// WithRegistry shares a mapping registry between contexts.
func WithRegistry(r *mapping.Registry) Option {
	return func(c *Context) {
		c.registry = r
	}
}

// WithAdapter registers an additional adapter under name.
func WithAdapter(name string, a adapter.Adapter) Option {
	return func(c *Context) {
		c.adapters[name] = a
	}
}

// WithStore registers an additional store under name.
func WithStore(name string, s store.DataStore) Option {
	return func(c *Context) {
		c.stores[name] = s
	}
}

// WithTempKeys replaces the temporary key generator.
func WithTempKeys(k *TempKeys) Option {
	return func(c *Context) {
		c.keys = k
	}
}

// WithMetrics records set operations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// NewContext creates a context whose default adapter is a and default
// store is s. A nil store means an in-memory store; a nil adapter leaves
// sets local-only. The scheduler goroutine runs until Close.
func NewContext(a adapter.Adapter, s store.DataStore, opts ...Option) *Context {
	if s == nil {
		s = store.NewMemoryStore()
	}
	c := &Context{
		registry: mapping.NewRegistry(),
		adapters: map[string]adapter.Adapter{},
		stores:   map[string]store.DataStore{DefaultName: s},
		keys:     NewTempKeys(),
		logger:   slog.Default(),
		sets:     make(map[string]*Set),
	}
	if a != nil {
		c.adapters[DefaultName] = a
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, st := range c.distinctStores() {
		if rs, ok := st.(store.ResolverSetter); ok {
			rs.SetResolver(c)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.sched = newScheduler(c.logger, c.recordAsync)
	go c.sched.run(ctx)
	return c
}

// Registry returns the mapping registry.
func (c *Context) Registry() *mapping.Registry {
	return c.registry
}

// Register adds an entity configuration.
func (c *Context) Register(cfg *mapping.Configuration) error {
	return c.registry.Register(cfg)
}

// Buffered reports whether remote commits wait for SaveChanges.
func (c *Context) Buffered() bool {
	return c.buffered
}

// TempKeys returns the temporary key generator.
func (c *Context) TempKeys() *TempKeys {
	return c.keys
}

// Init initializes every registered store.
func (c *Context) Init(ctx context.Context) error {
	for _, s := range c.distinctStores() {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
	}
	return nil
}

// SetConfig describes a set to add. Empty fields take defaults: key field
// "Id", and Name for the default type and the controller.
type SetConfig struct {
	Name        string
	KeyField    string
	DefaultType string
	Controller  string
	Adapter     string
	Store       string
}

// AddSet creates a set. Each name may be added once.
func (c *Context) AddSet(cfg SetConfig) (*Set, error) {
	if cfg.Name == "" {
		return nil, errs.New(errs.CodeUnknownSet, "set without a name")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "Id"
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = cfg.Name
	}
	if cfg.Controller == "" {
		cfg.Controller = cfg.Name
	}
	if cfg.Adapter == "" {
		cfg.Adapter = DefaultName
	}
	if cfg.Store == "" {
		cfg.Store = DefaultName
	}

	a, ok := c.adapters[cfg.Adapter]
	if !ok && cfg.Adapter != DefaultName {
		return nil, errs.New(errs.CodeUnknownAdapter, "adapter %q is not registered", cfg.Adapter).
			With("set", cfg.Name)
	}
	st, ok := c.stores[cfg.Store]
	if !ok {
		return nil, errs.New(errs.CodeUnknownStore, "store %q is not registered", cfg.Store).
			With("set", cfg.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.sets[cfg.Name]; dup {
		return nil, errs.New(errs.CodeDuplicate, "set %q already exists", cfg.Name)
	}
	s := newSet(c, cfg, a, st)
	c.sets[cfg.Name] = s
	c.list = append(c.list, s)
	return s, nil
}

// Set returns the set added under name.
func (c *Context) Set(name string) (*Set, error) {
	if s, ok := c.lookupSet(name); ok {
		return s, nil
	}
	return nil, errs.New(errs.CodeUnknownSet, "no set named %q", name)
}

func (c *Context) lookupSet(name string) (*Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sets[name]
	return s, ok
}

// Sets returns the sets in the order they were added.
func (c *Context) Sets() []*Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Set(nil), c.list...)
}

// Relation implements store.Resolver for $expand over local stores.
// Remote relations cannot be expanded locally.
func (c *Context) Relation(setName, property string) (store.Relation, bool) {
	s, ok := c.lookupSet(setName)
	if !ok {
		return store.Relation{}, false
	}
	cfg, ok := c.registry.Lookup(s.defaultType)
	if !ok {
		return store.Relation{}, false
	}
	rel, ok := cfg.Relation(property)
	if !ok {
		return store.Relation{}, false
	}
	out := store.Relation{
		Property:   rel.Property,
		TargetSet:  rel.Controller,
		ForeignKey: rel.ForeignKey,
		OwnerKey:   s.keyField,
	}
	switch rel.Kind {
	case mapping.One:
		out.Kind = store.ToOne
	case mapping.Many:
		out.Kind = store.ToMany
	default:
		return store.Relation{}, false
	}
	return out, true
}

// schedule queues a side effect on the context's worker.
func (c *Context) schedule(name string, fn func(ctx context.Context) error) {
	if !c.sched.enqueue(task{name: name, run: fn}) {
		c.logger.Debug("scheduler closed, dropping task", "task", name)
	}
}

func (c *Context) recordAsync(name string, err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.asyncErrs = append(c.asyncErrs, fmt.Errorf("%s: %w", name, err))
}

// Flush waits until every scheduled side effect has run and returns the
// failures collected since the previous Flush.
func (c *Context) Flush(ctx context.Context) error {
	if err := c.sched.flush(ctx); err != nil {
		return err
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	err := errors.Join(c.asyncErrs...)
	c.asyncErrs = nil
	return err
}

// SaveChanges saves every set concurrently.
func (c *Context) SaveChanges(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range c.Sets() {
		g.Go(func() error {
			return s.SaveChanges(ctx)
		})
	}
	return g.Wait()
}

// Reset detaches every entity without remote calls and resets the stores.
func (c *Context) Reset(ctx context.Context) error {
	if err := c.sched.flush(ctx); err != nil {
		return err
	}
	for _, s := range c.Sets() {
		s.clear()
	}
	for _, st := range c.distinctStores() {
		if err := st.Reset(ctx); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
	}
	return nil
}

// Close drains the scheduler and closes every store.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sched.close()
		c.sched.wait()
		c.cancel()
		var closeErrs []error
		for _, st := range c.distinctStores() {
			if cerr := st.Close(); cerr != nil {
				closeErrs = append(closeErrs, cerr)
			}
		}
		err = errors.Join(closeErrs...)
	})
	return err
}

func (c *Context) distinctStores() []store.DataStore {
	seen := make(map[store.DataStore]bool, len(c.stores))
	var out []store.DataStore
	for _, name := range sortedKeys(c.stores) {
		s := c.stores[name]
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
