package query

// Record is anything a query can be evaluated against locally.
// Implemented by raw payloads, store items, and tracked entities.
type Record interface {
	Field(name string) (any, bool)
}

// Clause is one element of a query's filter list.
//
// This is a sealed interface - only types in this package implement it.
type Clause interface {
	clauseNode() // Marker method - seals interface to this package
}

// Operator is an OData comparison operator.
type Operator string

const (
	OpNone Operator = ""
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpGt   Operator = "gt"
	OpGe   Operator = "ge"
	OpLt   Operator = "lt"
	OpLe   Operator = "le"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpNone, OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		return true
	}
	return false
}

// Filter compares one field against a value.
//
// A Filter with no operator and a nil value is an implicit boolean test of
// the field itself ("IsActive"); with an operator and nil value it compares
// against null ("Parent eq null").
type Filter struct {
	Field    string
	Operator Operator
	Value    any
}

func (*Filter) clauseNode() {}

// FunctionFilter applies an OData canonical function to a field and
// compares the result. For boolean functions (substringof, startswith,
// endswith, isof) the operator may be left empty.
//
// Example:
//
//	FunctionFilter{Function: "tolower", Filter: Filter{Field: "Name", Operator: OpEq, Value: "bob"}}
//
// renders as "tolower(Name) eq 'bob'".
type FunctionFilter struct {
	Filter
	Function string
	Args     []any // arguments after the field, in wire order
}

func (*FunctionFilter) clauseNode() {}

// Group is a parenthesized sub-expression.
type Group struct {
	Clauses []Clause
}

func (*Group) clauseNode() {}

// Combinator is a literal "and"/"or" token placed between two filters.
type Combinator string

const (
	And Combinator = "and"
	Or  Combinator = "or"
)

func (Combinator) clauseNode() {}

// Ordering is one sort key.
type Ordering struct {
	Field     string
	Ascending bool
}
