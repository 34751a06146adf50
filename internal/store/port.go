package store

import (
	"context"
	"errors"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
)

// ErrNotFound is returned by GetOne and Update for a missing key.
var ErrNotFound = errors.New("store: not found")

// StateRemoved is the persisted state of an entity pending remote removal.
const StateRemoved = "removed"

// Item is one persisted entity.
type Item struct {
	Key   string         `json:"key"`
	State string         `json:"state"`
	Data  payload.Object `json:"data"`
}

// Field implements query.Record. The removed pseudo-field reflects State.
func (i Item) Field(name string) (any, bool) {
	if name == query.RemovedField {
		if v, ok := i.Data[name]; ok {
			return v, true
		}
		return i.State == StateRemoved, true
	}
	return i.Data.Field(name)
}

// DataStore is the local persistence port.
//
// Add inserts or replaces an item, keeping the original position of a
// replaced key. Update replaces an existing item and returns ErrNotFound
// otherwise. Remove of a missing key is a no-op.
type DataStore interface {
	Init(ctx context.Context) error
	Reset(ctx context.Context) error
	GetAll(ctx context.Context, setName string, q *query.Query) ([]Item, error)
	GetOne(ctx context.Context, setName, key string, q *query.Query) (Item, error)
	Add(ctx context.Context, setName string, item Item) error
	Update(ctx context.Context, setName string, item Item) error
	Remove(ctx context.Context, setName, key string) error
	AddRange(ctx context.Context, setName string, items []Item) error
	UpdateRange(ctx context.Context, setName string, items []Item) error
	RemoveRange(ctx context.Context, setName string, keys []string) error
	Close() error
}

// RelationKind distinguishes which side holds the foreign key.
type RelationKind int

const (
	// ToOne: the owner's ForeignKey field holds the target's key.
	ToOne RelationKind = iota
	// ToMany: each target's ForeignKey field holds the owner's key.
	ToMany
)

// Relation is the metadata needed to expand one navigation property.
type Relation struct {
	Property   string
	TargetSet  string
	ForeignKey string
	Kind       RelationKind

	// OwnerKey is the key field of the owning set, used to match ToMany
	// targets by the owner's key value in its original JSON type.
	OwnerKey string
}

// Resolver looks up relation metadata for $expand.
type Resolver interface {
	Relation(setName, property string) (Relation, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(setName, property string) (Relation, bool)

// Relation implements Resolver.
func (f ResolverFunc) Relation(setName, property string) (Relation, bool) {
	return f(setName, property)
}

// ResolverSetter is implemented by stores that support $expand.
type ResolverSetter interface {
	SetResolver(r Resolver)
}
