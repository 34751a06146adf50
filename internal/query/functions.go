package query

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/entsync/internal/payload"
)

// function describes one OData canonical function.
// Casers are created per call; a cases.Caser must not be shared.
type function struct {
	// valueFirst marks substringof, whose literal argument precedes the field.
	valueFirst bool
	// boolean functions may be used without an operator.
	boolean bool
	// minArgs and maxArgs bound the literal arguments besides the field.
	minArgs, maxArgs int
	eval            func(field any, args []any) any
}

var functions = map[string]function{
	"substringof": {valueFirst: true, boolean: true, minArgs: 1, maxArgs: 1, eval: func(f any, a []any) any {
		return strings.Contains(cases.Fold().String(payload.Stringify(f)), cases.Fold().String(payload.Stringify(a[0])))
	}},
	"startswith": {boolean: true, minArgs: 1, maxArgs: 1, eval: func(f any, a []any) any {
		return strings.HasPrefix(payload.Stringify(f), payload.Stringify(a[0]))
	}},
	"endswith": {boolean: true, minArgs: 1, maxArgs: 1, eval: func(f any, a []any) any {
		return strings.HasSuffix(payload.Stringify(f), payload.Stringify(a[0]))
	}},
	"indexof": {minArgs: 1, maxArgs: 1, eval: func(f any, a []any) any {
		s := payload.Stringify(f)
		i := strings.Index(s, payload.Stringify(a[0]))
		if i < 0 {
			return -1
		}
		return utf8.RuneCountInString(s[:i])
	}},
	"length": {eval: func(f any, _ []any) any {
		if f == nil {
			return nil
		}
		return utf8.RuneCountInString(payload.Stringify(f))
	}},
	"substring": {minArgs: 1, maxArgs: 2, eval: func(f any, a []any) any {
		r := []rune(payload.Stringify(f))
		start := clampIndex(a[0], len(r))
		end := len(r)
		if len(a) > 1 {
			end = min(start+clampIndex(a[1], len(r)), len(r))
		}
		return string(r[start:end])
	}},
	"replace": {minArgs: 2, maxArgs: 2, eval: func(f any, a []any) any {
		return strings.ReplaceAll(payload.Stringify(f), payload.Stringify(a[0]), payload.Stringify(a[1]))
	}},
	"concat": {minArgs: 1, maxArgs: 1, eval: func(f any, a []any) any {
		return payload.Stringify(f) + payload.Stringify(a[0])
	}},
	"tolower": {eval: func(f any, _ []any) any { return cases.Lower(language.Und).String(payload.Stringify(f)) }},
	"toupper": {eval: func(f any, _ []any) any { return cases.Upper(language.Und).String(payload.Stringify(f)) }},
	"trim":    {eval: func(f any, _ []any) any { return strings.TrimSpace(payload.Stringify(f)) }},
	"year":    {eval: datePart(func(y, _, _, _, _, _ int) int { return y })},
	"month":   {eval: datePart(func(_, mo, _, _, _, _ int) int { return mo })},
	"day":     {eval: datePart(func(_, _, d, _, _, _ int) int { return d })},
	"hour":    {eval: datePart(func(_, _, _, h, _, _ int) int { return h })},
	"minute":  {eval: datePart(func(_, _, _, _, mi, _ int) int { return mi })},
	"second":  {eval: datePart(func(_, _, _, _, _, s int) int { return s })},
	"round":   {eval: mathFn(math.Round)},
	"floor":   {eval: mathFn(math.Floor)},
	"ceiling": {eval: mathFn(math.Ceil)},
	"isof":    {boolean: true, minArgs: 1, maxArgs: 1, eval: isOf},
}

func clampIndex(v any, n int) int {
	f, _ := payload.ToFloat(v)
	i := int(f)
	switch {
	case i < 0:
		return 0
	case i > n:
		return n
	}
	return i
}

func datePart(pick func(y, mo, d, h, mi, s int) int) func(any, []any) any {
	return func(f any, _ []any) any {
		t, ok := payload.AsTime(f)
		if !ok {
			return nil
		}
		return pick(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	}
}

func mathFn(op func(float64) float64) func(any, []any) any {
	return func(f any, _ []any) any {
		n, ok := payload.ToFloat(f)
		if !ok {
			return nil
		}
		return op(n)
	}
}

// isOf checks a value against an Edm primitive type name, or an embedded
// object against its type tag.
func isOf(f any, a []any) any {
	name := payload.Stringify(a[0])
	if obj, ok := payload.AsObject(f); ok {
		return obj.TypeTag() == name
	}
	switch name {
	case "Edm.String":
		_, ok := f.(string)
		return ok
	case "Edm.Boolean":
		_, ok := f.(bool)
		return ok
	case "Edm.Guid":
		s, ok := f.(string)
		return ok && payload.IsGUID(s)
	case "Edm.DateTime", "Edm.DateTimeOffset":
		_, ok := payload.AsTime(f)
		return ok
	case "Edm.Int16", "Edm.Int32", "Edm.Int64", "Edm.Byte":
		n, ok := payload.ToFloat(f)
		return ok && n == math.Trunc(n)
	case "Edm.Double", "Edm.Single", "Edm.Decimal":
		_, ok := payload.ToFloat(f)
		return ok
	}
	return false
}

// Functions returns the names of the supported canonical functions.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	return names
}
