package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entsync/internal/payload"
)

// Param is one rendered query-string parameter.
type Param struct {
	Name  string
	Value string
}

// odataDateTime is the OData v2 datetime literal layout.
const odataDateTime = "2006-01-02T15:04:05.9999999"

// Params renders the query as ordered OData parameters:
// $filter, $select, $expand, $skip, $top, $orderby, $inlinecount.
func (q *Query) Params() ([]Param, error) {
	if q == nil {
		return nil, nil
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var params []Param
	if filter := RenderFilter(q.Clauses); filter != "" {
		params = append(params, Param{"$filter", filter})
	}
	if len(q.Selects) > 0 {
		params = append(params, Param{"$select", strings.Join(q.Selects, ",")})
	}
	if len(q.Expands) > 0 {
		params = append(params, Param{"$expand", strings.Join(q.Expands, ",")})
	}
	if q.IsPaged() {
		skip := (q.EffectivePage() - 1) * q.PageSize
		params = append(params,
			Param{"$skip", strconv.Itoa(skip)},
			Param{"$top", strconv.Itoa(q.PageSize)},
		)
	}
	if len(q.Orders) > 0 {
		parts := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			parts[i] = o.Field
			if !o.Ascending {
				parts[i] += " desc"
			}
		}
		params = append(params, Param{"$orderby", strings.Join(parts, ",")})
	}
	if q.Total {
		params = append(params, Param{"$inlinecount", "allpages"})
	}
	return params, nil
}

// ToQueryString renders the query in OData v2 textual form, parameters
// joined by "&". Values are not URL-encoded; use Values for a request URL.
func (q *Query) ToQueryString() (string, error) {
	params, err := q.Params()
	if err != nil {
		return "", err
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Name + "=" + p.Value
	}
	return strings.Join(parts, "&"), nil
}

// Values renders the query as url.Values.
func (q *Query) Values() (url.Values, error) {
	params, err := q.Params()
	if err != nil {
		return nil, err
	}
	v := make(url.Values, len(params))
	for _, p := range params {
		v.Set(p.Name, p.Value)
	}
	return v, nil
}

// RenderFilter renders clauses as a $filter expression.
//
// The local fold has no precedence, while OData binds "and" tighter than
// "or". When an "and" follows an accumulated "or" expression the left side
// is parenthesized so the server groups it the same way.
func RenderFilter(clauses []Clause) string {
	var b strings.Builder
	topOr := false
	next := And
	empty := true
	for _, c := range clauses {
		if comb, ok := c.(Combinator); ok {
			next = comb
			continue
		}
		term := renderClause(c)
		switch {
		case empty:
			b.WriteString(term)
			empty = false
		case next == Or:
			b.WriteString(" or " + term)
			topOr = true
		case topOr:
			left := b.String()
			b.Reset()
			b.WriteString("(" + left + ") and " + term)
			topOr = false
		default:
			b.WriteString(" and " + term)
		}
		next = And
	}
	return b.String()
}

func renderClause(c Clause) string {
	switch cl := c.(type) {
	case *Filter:
		return renderComparison(cl.Field, cl.Operator, cl.Value)
	case *FunctionFilter:
		return renderComparison(renderCall(cl), cl.Operator, cl.Value)
	case *Group:
		return "(" + RenderFilter(cl.Clauses) + ")"
	}
	return ""
}

func renderComparison(lhs string, op Operator, value any) string {
	if op == OpNone {
		if value == nil {
			return lhs
		}
		op = OpEq
	}
	return lhs + " " + string(op) + " " + FormatValue(value)
}

func renderCall(f *FunctionFilter) string {
	args := make([]string, 0, len(f.Args)+1)
	fn := functions[f.Function]
	if fn.valueFirst {
		for _, a := range f.Args {
			args = append(args, FormatValue(a))
		}
		args = append(args, f.Field)
	} else {
		if f.Field != "" {
			args = append(args, f.Field)
		}
		for _, a := range f.Args {
			args = append(args, FormatValue(a))
		}
	}
	return f.Function + "(" + strings.Join(args, ",") + ")"
}

// FormatValue renders a filter literal, typed by sniffing its value:
// GUID strings as guid'..', ISO dates as datetime'..', other strings
// quoted, numbers and booleans bare, nil as null.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return "datetime'" + val.UTC().Format(odataDateTime) + "'"
	case string:
		switch {
		case payload.IsGUID(val):
			return "guid'" + val + "'"
		case isDateLiteral(val):
			return "datetime'" + val + "'"
		default:
			return "'" + strings.ReplaceAll(val, "'", "''") + "'"
		}
	}
	if f, ok := payload.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "'" + strings.ReplaceAll(payload.Stringify(v), "'", "''") + "'"
}

func isDateLiteral(s string) bool {
	_, ok := payload.ParseDate(s)
	return ok
}
