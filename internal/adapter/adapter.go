// Package adapter defines the remote transport port and the envelope
// normalisation shared by its implementations.
package adapter

import (
	"context"
	"errors"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
)

var (
	// ErrNotFound is returned when the remote source has no entity for an id.
	ErrNotFound = errors.New("adapter: not found")

	// ErrConflict is returned when creating an entity whose key exists.
	ErrConflict = errors.New("adapter: key already exists")
)

// Result is a normalised collection response.
type Result struct {
	Data  []payload.Object
	Count int
}

// Adapter is the remote transport port. Controllers name remote entity
// collections; ids are rendered keys.
type Adapter interface {
	GetAll(ctx context.Context, controller string, q *query.Query) (Result, error)
	GetOne(ctx context.Context, controller, id string, q *query.Query) (payload.Object, error)
	Post(ctx context.Context, controller string, data payload.Object) (payload.Object, error)
	Put(ctx context.Context, controller, id string, data payload.Object) (payload.Object, error)
	Remove(ctx context.Context, controller, id string) error
}

// RelationGetter is implemented by adapters that can fetch a relation of
// one entity server-side.
type RelationGetter interface {
	GetRelation(ctx context.Context, controller, relation, id string, q *query.Query) (Result, error)
}

// ActionInvoker is implemented by adapters that support custom actions.
// An empty id invokes a collection-level action.
type ActionInvoker interface {
	Action(ctx context.Context, controller, action string, params payload.Object, id string) (any, error)
}
