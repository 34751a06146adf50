// Package querysql compiles query.Query filters, orderings and paging to
// parameterized SQLite SQL over the JSON payload column of the entity table.
//
// Only the part of the query model SQLite can express with the same
// semantics as local evaluation is compiled. Anything else returns
// ErrUnsupported and the caller falls back to query.Apply in memory.
package querysql

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
)

// ErrUnsupported is returned for clauses with no SQL translation.
var ErrUnsupported = errors.New("querysql: unsupported clause")

// Column names of the entity table.
const (
	ColSet   = "set_name"
	ColKey   = "key"
	ColState = "state"
	ColData  = "data"
	ColSeq   = "seq"

	// removedState mirrors mapping.StateRemoved without importing it.
	removedState = "removed"
)

// SQLCompiler compiles queries against one entity table.
//
// CRITICAL: every query ends with a seq tiebreaker so that equal sort keys
// keep insertion order, matching the stable local sort.
// CRITICAL: all values and JSON paths are parameterized, never interpolated.
type SQLCompiler struct {
	Table string
}

// NewSQLCompiler creates a compiler for the default "entities" table.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{Table: "entities"}
}

// Compile returns the SELECT for q's page of setName.
// Selected columns: key, state, data.
func (c *SQLCompiler) Compile(setName string, q *query.Query) (string, []any, error) {
	where, params, err := c.where(setName, q)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s, %s FROM %s WHERE %s", ColKey, ColState, ColData, c.Table, where)

	b.WriteString(" ORDER BY ")
	if q != nil {
		for _, o := range q.Orders {
			b.WriteString("json_extract(" + ColData + ", ?)")
			params = append(params, jsonPath(o.Field))
			if !o.Ascending {
				b.WriteString(" DESC")
			}
			b.WriteString(", ")
		}
	}
	b.WriteString(ColSeq + " ASC")

	if q.IsPaged() {
		b.WriteString(" LIMIT ? OFFSET ?")
		params = append(params, q.PageSize, (q.EffectivePage()-1)*q.PageSize)
	}
	return b.String(), params, nil
}

// CompileCount returns a COUNT(*) over every row q matches, ignoring paging.
func (c *SQLCompiler) CompileCount(setName string, q *query.Query) (string, []any, error) {
	where, params, err := c.where(setName, q)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", c.Table, where), params, nil
}

func (c *SQLCompiler) where(setName string, q *query.Query) (string, []any, error) {
	if q == nil {
		q = query.New()
	}
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	parts := []string{ColSet + " = ?"}
	params := []any{setName}
	if !q.IncludeDeleted {
		parts = append(parts, ColState+" <> ?")
		params = append(params, removedState)
	}
	if len(q.Clauses) > 0 {
		sql, p, err := compileClauses(q.Clauses)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, p...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// compileClauses folds left to right like query.Predicate. Each step
// wraps the accumulated expression so SQL precedence cannot regroup it.
func compileClauses(clauses []query.Clause) (string, []any, error) {
	var acc string
	var params []any
	next := query.And
	for _, cl := range clauses {
		if comb, ok := cl.(query.Combinator); ok {
			next = comb
			continue
		}
		sql, p, err := compileClause(cl)
		if err != nil {
			return "", nil, err
		}
		switch {
		case acc == "":
			acc = sql
		case next == query.Or:
			acc = "(" + acc + ") OR " + sql
		default:
			acc = "(" + acc + ") AND " + sql
		}
		params = append(params, p...)
		next = query.And
	}
	if acc == "" {
		return "1 = 1", params, nil
	}
	return acc, params, nil
}

func compileClause(cl query.Clause) (string, []any, error) {
	switch c := cl.(type) {
	case *query.Filter:
		return compareSQL("json_extract("+ColData+", ?)", []any{jsonPath(c.Field)}, c.Operator, c.Value)
	case *query.FunctionFilter:
		return compileFunction(c)
	case *query.Group:
		sql, params, err := compileClauses(c.Clauses)
		if err != nil {
			return "", nil, err
		}
		return "(" + sql + ")", params, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnsupported, cl)
	}
}

// compareSQL renders "expr op ?" with null and truthiness handling that
// matches local evaluation.
func compareSQL(expr string, exprParams []any, op query.Operator, value any) (string, []any, error) {
	params := append([]any(nil), exprParams...)
	switch {
	case op == query.OpNone && value == nil:
		// truthy: not null, not false/0, not empty string
		sql := fmt.Sprintf("(%s IS NOT NULL AND %s <> 0 AND %s <> '')", expr, expr, expr)
		return sql, append(append(append([]any(nil), params...), params...), params...), nil
	case op == query.OpNone:
		op = query.OpEq
	}

	if value == nil {
		switch op {
		case query.OpEq:
			return expr + " IS NULL", params, nil
		case query.OpNe:
			return expr + " IS NOT NULL", params, nil
		default:
			return "0", nil, nil
		}
	}

	param, err := toParam(value)
	if err != nil {
		return "", nil, err
	}
	sqlOp := map[query.Operator]string{
		query.OpEq: "=", query.OpNe: "<>",
		query.OpGt: ">", query.OpGe: ">=",
		query.OpLt: "<", query.OpLe: "<=",
	}[op]
	if sqlOp == "" {
		return "", nil, fmt.Errorf("%w: operator %q", ErrUnsupported, op)
	}
	if op == query.OpNe {
		// local ne also matches missing fields
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", expr, expr), append(append(params, params...), param), nil
	}
	return fmt.Sprintf("%s %s ?", expr, sqlOp), append(params, param), nil
}

// functionSQL maps supported canonical functions to SQLite expressions.
// %[1]s is the field expression; literal arguments are bound as ?.
var functionSQL = map[string]string{
	"tolower": "lower(%[1]s)",
	"toupper": "upper(%[1]s)",
	"trim":    "trim(%[1]s)",
	"length":  "length(%[1]s)",
	"year":    "CAST(strftime('%%Y', %[1]s) AS INTEGER)",
	"month":   "CAST(strftime('%%m', %[1]s) AS INTEGER)",
	"day":     "CAST(strftime('%%d', %[1]s) AS INTEGER)",
	"hour":    "CAST(strftime('%%H', %[1]s) AS INTEGER)",
	"minute":  "CAST(strftime('%%M', %[1]s) AS INTEGER)",
	"second":  "CAST(strftime('%%S', %[1]s) AS INTEGER)",
	"round":   "round(%[1]s)",
}

func compileFunction(f *query.FunctionFilter) (string, []any, error) {
	if f.Field == "" {
		return "", nil, fmt.Errorf("%w: %s without a field", ErrUnsupported, f.Function)
	}
	field := "json_extract(" + ColData + ", ?)"
	path := jsonPath(f.Field)

	switch f.Function {
	case "substringof", "startswith", "endswith":
		if len(f.Args) != 1 {
			return "", nil, fmt.Errorf("%w: %s arity", ErrUnsupported, f.Function)
		}
		needle := payload.Stringify(f.Args[0])
		if f.Function == "substringof" && !isASCII(needle) {
			return "", nil, fmt.Errorf("%w: non-ASCII substringof", ErrUnsupported)
		}
		var expr string
		var params []any
		switch f.Function {
		case "substringof":
			// SQLite lower() folds ASCII only, hence the check above
			expr = "instr(lower(" + field + "), lower(?)) > 0"
			params = []any{path, needle}
		case "startswith":
			expr = "substr(" + field + ", 1, length(?)) = ?"
			params = []any{path, needle, needle}
		default:
			expr = "substr(" + field + ", -length(?)) = ?"
			params = []any{path, needle, needle}
		}
		if f.Operator == query.OpNone && f.Value == nil {
			return "COALESCE(" + expr + ", 0)", params, nil
		}
		return compareSQL("COALESCE("+expr+", 0)", params, f.Operator, f.Value)
	}

	tmpl, ok := functionSQL[f.Function]
	if !ok || len(f.Args) > 0 {
		return "", nil, fmt.Errorf("%w: function %s", ErrUnsupported, f.Function)
	}
	if f.Function == "tolower" || f.Function == "toupper" {
		// SQLite lower/upper only fold ASCII
		if s, ok := f.Value.(string); ok && !isASCII(s) {
			return "", nil, fmt.Errorf("%w: non-ASCII %s", ErrUnsupported, f.Function)
		}
	}
	return compareSQL(fmt.Sprintf(tmpl, field), []any{path}, f.Operator, f.Value)
}

// jsonPath converts a field path ("Customer/Name") to a quoted JSON path.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(field, "/") {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

// toParam converts a filter value to a SQLite parameter.
func toParam(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		// json_extract returns 1/0 for JSON booleans
		if val {
			return 1, nil
		}
		return 0, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	}
	if f, ok := payload.ToFloat(v); ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: value of type %T", ErrUnsupported, v)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
