package mapping

import (
	"slices"
	"sort"
	"sync"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
)

// RelationKind is the closed set of relation flavours.
type RelationKind int

const (
	// One references a single foreign entity through the owner's foreign key.
	One RelationKind = iota + 1
	// Many is every foreign entity whose foreign key holds the owner's key.
	Many
	// Remote is fetched from the adapter's relation endpoint and never
	// derived from local data.
	Remote
)

func (k RelationKind) String() string {
	switch k {
	case One:
		return "one"
	case Many:
		return "many"
	case Remote:
		return "remote"
	}
	return "unknown"
}

// ParseRelationKind converts "one", "many" or "remote".
func ParseRelationKind(s string) (RelationKind, bool) {
	switch s {
	case "one":
		return One, true
	case "many":
		return Many, true
	case "remote":
		return Remote, true
	}
	return 0, false
}

// Relation describes one navigation property of an entity type.
type Relation struct {
	// Property is the field name the relation view is exposed under.
	Property string
	Kind     RelationKind
	// Controller names the foreign set.
	Controller string
	// ForeignKey is the owner's field for One, the foreign field for Many.
	ForeignKey string
	// EnsureRemote makes relation refreshes fetch from the adapter even
	// for relations that can be computed locally.
	EnsureRemote bool
}

// Factory builds the initial fields of a new entity from a raw payload.
type Factory func(raw payload.Object) (payload.Object, error)

// Configuration is the static mapping metadata of one entity type.
type Configuration struct {
	// Type is the type tag payloads carry in $type or odata.type.
	Type string
	// Copy, when non-empty, restricts the mapped fields to these names.
	// The key field is always mapped.
	Copy []string
	// Ignore lists fields kept on the entity but never tracked or sent.
	Ignore    []string
	Relations []Relation
	Actions   []string
	// Factory overrides the default constructor, a deep copy of the payload.
	Factory Factory
}

// Relation returns the relation exposed under property.
func (c *Configuration) Relation(property string) (Relation, bool) {
	if c == nil {
		return Relation{}, false
	}
	for _, r := range c.Relations {
		if r.Property == property {
			return r, true
		}
	}
	return Relation{}, false
}

// IsRelation reports whether field is a relation property.
func (c *Configuration) IsRelation(field string) bool {
	_, ok := c.Relation(field)
	return ok
}

// HasAction reports whether name is a declared action.
func (c *Configuration) HasAction(name string) bool {
	return c != nil && slices.Contains(c.Actions, name)
}

// Mapped reports whether field takes part in snapshots and serialization.
func (c *Configuration) Mapped(field, keyField string) bool {
	if field == payload.TypeField || field == payload.ODataTypeField {
		return false
	}
	if c == nil {
		return true
	}
	if c.IsRelation(field) || slices.Contains(c.Ignore, field) {
		return false
	}
	if len(c.Copy) == 0 || field == keyField {
		return true
	}
	return slices.Contains(c.Copy, field)
}

// Build runs the factory over raw.
func (c *Configuration) Build(raw payload.Object) (payload.Object, error) {
	if c != nil && c.Factory != nil {
		return c.Factory(raw)
	}
	return raw.Clone(), nil
}

// Registry maps type tags to configurations. One configuration per type.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Configuration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Configuration)}
}

// Register adds cfg under cfg.Type.
func (r *Registry) Register(cfg *Configuration) error {
	if cfg == nil || cfg.Type == "" {
		return errs.New(errs.CodeUnknownType, "configuration without a type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[cfg.Type]; ok {
		return errs.New(errs.CodeDuplicate, "type %q is already configured", cfg.Type)
	}
	r.configs[cfg.Type] = cfg
	return nil
}

// Lookup returns the configuration registered for tag.
func (r *Registry) Lookup(tag string) (*Configuration, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[tag]
	return cfg, ok
}

// Resolve picks the configuration for a payload's type tag.
//
// An empty tag, or the set's own default type, resolves to the default
// type's configuration, or to a bare one when it was never registered.
// Any other tag must be registered.
func (r *Registry) Resolve(tag, defaultType string) (*Configuration, error) {
	if tag == "" || tag == defaultType {
		if cfg, ok := r.Lookup(defaultType); ok {
			return cfg, nil
		}
		return &Configuration{Type: defaultType}, nil
	}
	if cfg, ok := r.Lookup(tag); ok {
		return cfg, nil
	}
	return nil, errs.New(errs.CodeUnknownType, "no configuration for type %q", tag).
		With("default", defaultType)
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.configs))
	for t := range r.configs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
