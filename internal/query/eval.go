package query

import (
	"strings"

	"github.com/roach88/entsync/internal/payload"
)

// Predicate is a compiled local filter.
type Predicate func(Record) bool

// Predicate compiles the query's clauses, plus the implicit removed-record
// exclusion, into a single local predicate.
func (q *Query) Predicate() Predicate {
	if q == nil {
		q = New()
	}
	body := compile(q.Clauses)
	if q.IncludeDeleted {
		return body
	}
	return func(r Record) bool {
		if removed, _ := Lookup(r, RemovedField); payload.Truthy(removed) {
			return false
		}
		return body(r)
	}
}

// compile folds clauses left to right. A combinator token sets how the
// next filter joins the accumulated predicate, then resets to "and".
func compile(clauses []Clause) Predicate {
	var acc Predicate
	next := And
	for _, c := range clauses {
		if comb, ok := c.(Combinator); ok {
			next = comb
			continue
		}
		p := compileClause(c)
		switch {
		case acc == nil:
			acc = p
		case next == Or:
			left := acc
			acc = func(r Record) bool { return left(r) || p(r) }
		default:
			left := acc
			acc = func(r Record) bool { return left(r) && p(r) }
		}
		next = And
	}
	if acc == nil {
		return func(Record) bool { return true }
	}
	return acc
}

func compileClause(c Clause) Predicate {
	switch cl := c.(type) {
	case *Filter:
		return cl.Match
	case *FunctionFilter:
		return cl.Match
	case *Group:
		return compile(cl.Clauses)
	default:
		return func(Record) bool { return true }
	}
}

// Match evaluates the filter against one record.
func (f *Filter) Match(r Record) bool {
	v, _ := Lookup(r, f.Field)
	return compareOp(v, f.Operator, f.Value)
}

// Match evaluates the function locally, then compares its result.
func (f *FunctionFilter) Match(r Record) bool {
	fn, ok := functions[f.Function]
	if !ok || len(f.Args) < fn.minArgs {
		return false
	}
	var v any
	if f.Field != "" {
		v, _ = Lookup(r, f.Field)
	} else {
		// isof('Type') without a field tests the record itself
		tag, _ := r.Field(payload.TypeField)
		v = payload.Object{payload.TypeField: tag}
	}
	return compareOp(fn.eval(v, f.Args), f.Operator, f.Value)
}

// Lookup resolves a field path. Segments separated by "/" navigate into
// embedded objects ("Customer/Name").
func Lookup(r Record, path string) (any, bool) {
	head, rest, nested := strings.Cut(path, "/")
	v, ok := r.Field(head)
	if !ok || !nested {
		return v, ok
	}
	switch inner := v.(type) {
	case Record:
		return Lookup(inner, rest)
	case map[string]any:
		return Lookup(payload.Object(inner), rest)
	default:
		return nil, false
	}
}

func compareOp(v any, op Operator, want any) bool {
	switch op {
	case OpNone:
		if want == nil {
			return payload.Truthy(v)
		}
		return valuesEqual(v, want)
	case OpEq:
		return valuesEqual(v, want)
	case OpNe:
		return !valuesEqual(v, want)
	}
	c, ok := payload.Compare(v, want)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	}
	return false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := payload.Compare(a, b)
	return ok && c == 0
}
