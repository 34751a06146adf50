package query

import (
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/roach88/entsync/internal/errs"
)

// RemovedField is the pseudo-field excluded from local results unless
// IncludeDeleted is set.
const RemovedField = "IsRemoved"

// Query is a mutable filter/sort/page builder.
//
// Builder methods return the receiver so calls chain. Every mutation bumps
// Version, which derived views use to detect that they must recompute.
// A Query is not safe for concurrent mutation.
type Query struct {
	Clauses        []Clause
	Orders         []Ordering
	PageNum        int
	PageSize       int
	Selects        []string
	Expands        []string
	IncludeDeleted bool
	Total          bool

	version atomic.Uint64
}

// New returns an empty query.
func New() *Query {
	return &Query{}
}

// Version returns a counter bumped on every builder call.
func (q *Query) Version() uint64 {
	if q == nil {
		return 0
	}
	return q.version.Load()
}

// Touch bumps the version after direct field edits.
func (q *Query) Touch() *Query {
	q.version.Add(1)
	return q
}

// Where appends a filter. Calling Where after another filter without an
// explicit combinator ANDs the two.
func (q *Query) Where(field string, op Operator, value any) *Query {
	return q.add(&Filter{Field: field, Operator: op, Value: value})
}

// WhereTrue appends an implicit boolean filter on field.
func (q *Query) WhereTrue(field string) *Query {
	return q.add(&Filter{Field: field})
}

// WhereFunc appends a function filter: fn(field, args...) op value.
func (q *Query) WhereFunc(fn, field string, op Operator, value any, args ...any) *Query {
	return q.add(&FunctionFilter{
		Filter:   Filter{Field: field, Operator: op, Value: value},
		Function: fn,
		Args:     args,
	})
}

// WhereGroup appends a parenthesized sub-query built from sub's clauses.
func (q *Query) WhereGroup(sub *Query) *Query {
	return q.add(&Group{Clauses: slices.Clone(sub.Clauses)})
}

// AndWhere appends "and" then a filter.
func (q *Query) AndWhere(field string, op Operator, value any) *Query {
	return q.And().Where(field, op, value)
}

// OrWhere appends "or" then a filter.
func (q *Query) OrWhere(field string, op Operator, value any) *Query {
	return q.Or().Where(field, op, value)
}

// And appends an "and" token.
func (q *Query) And() *Query {
	return q.combine(And)
}

// Or appends an "or" token.
func (q *Query) Or() *Query {
	return q.combine(Or)
}

func (q *Query) combine(c Combinator) *Query {
	if n := len(q.Clauses); n > 0 {
		if _, ok := q.Clauses[n-1].(Combinator); ok {
			q.Clauses[n-1] = c
			return q.Touch()
		}
	}
	q.Clauses = append(q.Clauses, c)
	return q.Touch()
}

func (q *Query) add(c Clause) *Query {
	q.Clauses = append(q.Clauses, c)
	return q.Touch()
}

// OrderBy appends an ascending sort key.
func (q *Query) OrderBy(field string) *Query {
	q.Orders = append(q.Orders, Ordering{Field: field, Ascending: true})
	return q.Touch()
}

// OrderByDesc appends a descending sort key.
func (q *Query) OrderByDesc(field string) *Query {
	q.Orders = append(q.Orders, Ordering{Field: field})
	return q.Touch()
}

// Page sets the page window. num is 1-based; 0 means the first page.
func (q *Query) Page(num, size int) *Query {
	q.PageNum = num
	q.PageSize = size
	return q.Touch()
}

// Select restricts the returned fields.
func (q *Query) Select(fields ...string) *Query {
	q.Selects = append(q.Selects, fields...)
	return q.Touch()
}

// Expand requests inline expansion of relations.
func (q *Query) Expand(relations ...string) *Query {
	q.Expands = append(q.Expands, relations...)
	return q.Touch()
}

// WithDeleted keeps removed records in local results.
func (q *Query) WithDeleted() *Query {
	q.IncludeDeleted = true
	return q.Touch()
}

// WithTotal requests the server-side total count.
func (q *Query) WithTotal() *Query {
	q.Total = true
	return q.Touch()
}

// IsPaged reports whether the query restricts results to one page.
func (q *Query) IsPaged() bool {
	return q != nil && q.PageSize > 0
}

// EffectivePage returns the 1-based page number, treating 0 as 1.
func (q *Query) EffectivePage() int {
	if q.PageNum < 1 {
		return 1
	}
	return q.PageNum
}

// Validate checks the paging invariants: paging requires at least one
// ordering, and a page number requires a page size.
func (q *Query) Validate() error {
	if q == nil {
		return nil
	}
	if q.PageNum > 0 && q.PageSize <= 0 {
		return errs.New(errs.CodePageWithoutSize, "page number set without a page size").
			With("page", strconv.Itoa(q.PageNum))
	}
	if q.PageSize > 0 && len(q.Orders) == 0 {
		return errs.New(errs.CodePagingWithoutOrder, "paging requires at least one ordering").
			With("page_size", strconv.Itoa(q.PageSize))
	}
	for _, c := range q.Clauses {
		if err := validateClause(c); err != nil {
			return err
		}
	}
	return nil
}

func validateClause(c Clause) error {
	switch cl := c.(type) {
	case *Filter:
		if !cl.Operator.Valid() {
			return errs.New(errs.CodeInvalidQuery, "unknown operator %q", cl.Operator).With("field", cl.Field)
		}
	case *FunctionFilter:
		if !cl.Operator.Valid() {
			return errs.New(errs.CodeInvalidQuery, "unknown operator %q", cl.Operator).With("field", cl.Field)
		}
		fn, ok := functions[cl.Function]
		if !ok {
			return errs.New(errs.CodeInvalidQuery, "unknown function %q", cl.Function)
		}
		if len(cl.Args) < fn.minArgs || len(cl.Args) > fn.maxArgs {
			return errs.New(errs.CodeInvalidQuery, "%s takes %d to %d arguments, got %d",
				cl.Function, fn.minArgs, fn.maxArgs, len(cl.Args))
		}
	case *Group:
		for _, inner := range cl.Clauses {
			if err := validateClause(inner); err != nil {
				return err
			}
		}
	case Combinator:
		if cl != And && cl != Or {
			return errs.New(errs.CodeInvalidQuery, "unknown combinator %q", string(cl))
		}
	}
	return nil
}

// Clone returns an independent copy with version 0.
func (q *Query) Clone() *Query {
	if q == nil {
		return New()
	}
	return &Query{
		Clauses:        slices.Clone(q.Clauses),
		Orders:         slices.Clone(q.Orders),
		PageNum:        q.PageNum,
		PageSize:       q.PageSize,
		Selects:        slices.Clone(q.Selects),
		Expands:        slices.Clone(q.Expands),
		IncludeDeleted: q.IncludeDeleted,
		Total:          q.Total,
	}
}

// Unpaged returns a copy without the page window.
func (q *Query) Unpaged() *Query {
	c := q.Clone()
	c.PageNum, c.PageSize = 0, 0
	return c
}
