package query

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/entsync/internal/errs"
)

// Parse reads an OData v2 query from URL parameters. It accepts everything
// ToQueryString renders, so Parse(q.Values()) reproduces q's wire form.
// Unknown parameters are ignored.
func Parse(values url.Values) (*Query, error) {
	q := New()

	if raw := values.Get("$filter"); raw != "" {
		clauses, err := ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		q.Clauses = clauses
	}
	q.Selects = splitList(values.Get("$select"))
	q.Expands = splitList(values.Get("$expand"))

	for _, part := range splitList(values.Get("$orderby")) {
		field, dir, _ := strings.Cut(part, " ")
		dir = strings.TrimSpace(dir)
		switch dir {
		case "", "asc":
			q.Orders = append(q.Orders, Ordering{Field: field, Ascending: true})
		case "desc":
			q.Orders = append(q.Orders, Ordering{Field: field})
		default:
			return nil, errs.New(errs.CodeInvalidQuery, "bad $orderby direction %q", dir)
		}
	}

	top, err := intParam(values, "$top")
	if err != nil {
		return nil, err
	}
	skip, err := intParam(values, "$skip")
	if err != nil {
		return nil, err
	}
	if top > 0 {
		if skip%top != 0 {
			return nil, errs.New(errs.CodeInvalidQuery, "$skip must be a multiple of $top").
				With("skip", strconv.Itoa(skip)).With("top", strconv.Itoa(top))
		}
		q.PageSize = top
		q.PageNum = skip/top + 1
	} else if skip > 0 {
		return nil, errs.New(errs.CodeInvalidQuery, "$skip requires $top")
	}

	switch values.Get("$inlinecount") {
	case "", "none":
	case "allpages":
		q.Total = true
	default:
		return nil, errs.New(errs.CodeInvalidQuery, "bad $inlinecount %q", values.Get("$inlinecount"))
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q.Touch(), nil
}

// ParseString parses a rendered query string ("$filter=...&$top=...").
// Both the raw ToQueryString form and a URL-encoded form are accepted.
func ParseString(s string) (*Query, error) {
	if strings.Contains(s, "%") {
		values, err := url.ParseQuery(s)
		if err != nil {
			return nil, errs.New(errs.CodeInvalidQuery, "bad query string: %v", err)
		}
		return Parse(values)
	}
	values := url.Values{}
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		values.Set(name, value)
	}
	return Parse(values)
}

func intParam(values url.Values, name string) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.New(errs.CodeInvalidQuery, "bad %s %q", name, raw)
	}
	return n, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseFilter parses a $filter expression into clauses.
func ParseFilter(s string) ([]Clause, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	clauses, err := p.expr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return clauses, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string // identifier, number text, or decoded string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	r := []rune(s)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case c == '\'':
			str, n, err := readQuoted(r[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: str})
			i += n
		case c == '-' || unicode.IsDigit(c):
			j := i + 1
			for j < len(r) && (unicode.IsDigit(r[j]) || r[j] == '.' || r[j] == 'e' || r[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(r[i:j])})
			i = j
		case isIdentRune(c):
			j := i
			for j < len(r) && isIdentRune(r[j]) {
				j++
			}
			word := string(r[i:j])
			// typed literals: guid'..', datetime'..', datetimeoffset'..'
			if j < len(r) && r[j] == '\'' {
				switch word {
				case "guid", "datetime", "datetimeoffset", "X", "binary":
					str, n, err := readQuoted(r[j:])
					if err != nil {
						return nil, err
					}
					toks = append(toks, token{kind: tokString, text: str})
					i = j + n
					continue
				}
			}
			toks = append(toks, token{kind: tokIdent, text: word})
			i = j
		default:
			return nil, errs.New(errs.CodeInvalidQuery, "unexpected character %q in $filter", c)
		}
	}
	return toks, nil
}

// readQuoted decodes a single-quoted literal with '' escapes starting at
// r[0]. Returns the decoded text and the number of runes consumed.
func readQuoted(r []rune) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(r); i++ {
		if r[i] == '\'' {
			if i+1 < len(r) && r[i+1] == '\'' {
				b.WriteRune('\'')
				i++
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteRune(r[i])
	}
	return "", 0, errs.New(errs.CodeInvalidQuery, "unterminated string literal in $filter")
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '/' || c == '.' || c == '$'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return errs.New(errs.CodeInvalidQuery, "$filter: "+format, args...).With("pos", strconv.Itoa(p.pos))
}

// expr := term { (and|or) term }
func (p *parser) expr() ([]Clause, error) {
	first, err := p.term()
	if err != nil {
		return nil, err
	}
	clauses := []Clause{first}
	for !p.done() {
		t := p.peek()
		if t.kind != tokIdent || (t.text != string(And) && t.text != string(Or)) {
			break
		}
		p.next()
		term, err := p.term()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, Combinator(t.text), term)
	}
	return clauses, nil
}

// term := "(" expr ")" | call [op literal] | field [op literal]
func (p *parser) term() (Clause, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, p.errorf("missing closing parenthesis")
		}
		return &Group{Clauses: inner}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			if _, ok := functions[t.text]; ok {
				return p.call(t.text)
			}
			return nil, p.errorf("unknown function %q", t.text)
		}
		f := &Filter{Field: t.text}
		op, value, err := p.comparison()
		if err != nil {
			return nil, err
		}
		f.Operator, f.Value = op, value
		return f, nil
	}
	return nil, p.errorf("unexpected %q", t.text)
}

func (p *parser) call(name string) (Clause, error) {
	p.next() // (
	var idents []string
	var literals []any
args:
	for {
		t := p.next()
		switch t.kind {
		case tokIdent:
			if v, ok := keywordLiteral(t.text); ok {
				literals = append(literals, v)
			} else {
				idents = append(idents, t.text)
			}
		case tokString, tokNumber:
			v, err := literalValue(t)
			if err != nil {
				return nil, err
			}
			literals = append(literals, v)
		default:
			return nil, p.errorf("bad argument to %s", name)
		}
		switch p.next().kind {
		case tokRParen:
			break args
		case tokComma:
		default:
			return nil, p.errorf("expected , or ) in %s", name)
		}
	}
	if len(idents) > 1 {
		return nil, p.errorf("%s takes at most one field", name)
	}
	f := &FunctionFilter{Function: name, Args: literals}
	if len(idents) == 1 {
		f.Field = idents[0]
	}
	op, value, err := p.comparison()
	if err != nil {
		return nil, err
	}
	f.Operator, f.Value = op, value
	if err := validateClause(f); err != nil {
		return nil, err
	}
	return f, nil
}

// comparison reads an optional "op literal" suffix.
func (p *parser) comparison() (Operator, any, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return OpNone, nil, nil
	}
	op := Operator(t.text)
	if op == OpNone || !op.Valid() {
		return OpNone, nil, nil
	}
	p.next()
	lit := p.next()
	switch lit.kind {
	case tokString, tokNumber:
		v, err := literalValue(lit)
		return op, v, err
	case tokIdent:
		if v, ok := keywordLiteral(lit.text); ok {
			return op, v, nil
		}
	}
	return OpNone, nil, p.errorf("expected literal after %s", op)
}

func keywordLiteral(s string) (any, bool) {
	switch s {
	case "null":
		return nil, true
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return nil, false
}

func literalValue(t token) (any, error) {
	if t.kind == tokString {
		return t.text, nil
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidQuery, "bad number %q", t.text)
	}
	return f, nil
}
