package compiler

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue/token"

	"github.com/roach88/entsync/internal/mapping"
)

// Validation error codes (E100-E199)
const (
	ErrEmptyModel          = "E100" // no sets declared
	ErrUnknownRelationKind = "E101" // kind is not one, many or remote
	ErrUnknownRelationSet  = "E102" // relation targets an undeclared set
	ErrMissingForeignKey   = "E103" // one/many relation without foreign_key
	ErrInvalidFieldType    = "E104" // invalid kind string
	ErrDuplicateName       = "E105" // duplicate set/type/action name
	ErrRelationIsField     = "E106" // relation property also declared as a field
	ErrKeyNotDeclared      = "E107" // set key missing from the declared fields
	ErrUnknownCopyField    = "E108" // copy/ignore names an undeclared field
	ErrUnknownDefaultType  = "E109" // set type names an undeclared type
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled model for dangling references and
// inconsistent declarations. Returns all errors found (does not fail-fast).
func Validate(m *Model) []ValidationError {
	var errs []ValidationError
	if m == nil || len(m.Sets) == 0 {
		return []ValidationError{{
			Field:   "set",
			Message: "at least one set is required",
			Code:    ErrEmptyModel,
		}}
	}

	sets := make(map[string]bool)
	for _, s := range m.Sets {
		if sets[s.Name] {
			errs = append(errs, ValidationError{
				Field:   "set." + s.Name,
				Message: fmt.Sprintf("duplicate set name: %q", s.Name),
				Code:    ErrDuplicateName,
				Line:    lineOf(s.Pos),
			})
		}
		sets[s.Name] = true
	}

	types := make(map[string]TypeSpec)
	for _, t := range m.Types {
		if _, dup := types[t.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   "type." + t.Name,
				Message: fmt.Sprintf("duplicate type name: %q", t.Name),
				Code:    ErrDuplicateName,
				Line:    lineOf(t.Pos),
			})
		}
		types[t.Name] = t
		errs = append(errs, validateType(t, sets)...)
	}

	for _, s := range m.Sets {
		typeName := s.DefaultType
		if typeName == "" {
			typeName = s.Name
		}
		t, ok := types[typeName]
		if !ok {
			if s.DefaultType != "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("set.%s.type", s.Name),
					Message: fmt.Sprintf("type %q is not declared", s.DefaultType),
					Code:    ErrUnknownDefaultType,
					Line:    lineOf(s.Pos),
				})
			}
			continue
		}
		key := s.KeyField
		if key == "" {
			key = "Id"
		}
		if len(t.Fields) > 0 {
			if _, ok := t.Fields[key]; !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("set.%s.key", s.Name),
					Message: fmt.Sprintf("key field %q is not declared on type %q", key, t.Name),
					Code:    ErrKeyNotDeclared,
					Line:    lineOf(s.Pos),
				})
			}
		}
	}
	return errs
}

func validateType(t TypeSpec, sets map[string]bool) []ValidationError {
	var errs []ValidationError
	prefix := "type." + t.Name

	for _, name := range sortedFieldNames(t.Fields) {
		if !isValidKind(t.Fields[name]) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.fields.%s", prefix, name),
				Message: fmt.Sprintf("invalid type %q for field %q", t.Fields[name], name),
				Code:    ErrInvalidFieldType,
				Line:    lineOf(t.Pos),
			})
		}
	}

	seen := make(map[string]bool)
	for i, a := range t.Actions {
		if seen[a] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.actions[%d]", prefix, i),
				Message: fmt.Sprintf("duplicate action name: %q", a),
				Code:    ErrDuplicateName,
				Line:    lineOf(t.Pos),
			})
		}
		seen[a] = true
	}

	if len(t.Fields) > 0 {
		lists := []struct {
			label string
			names []string
		}{{"copy", t.Copy}, {"ignore", t.Ignore}}
		for _, l := range lists {
			label := l.label
			for _, n := range l.names {
				if _, ok := t.Fields[n]; !ok {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("%s.%s", prefix, label),
						Message: fmt.Sprintf("field %q is not declared", n),
						Code:    ErrUnknownCopyField,
						Line:    lineOf(t.Pos),
					})
				}
			}
		}
	}

	for _, r := range t.Relations {
		field := fmt.Sprintf("%s.relation.%s", prefix, r.Property)
		kind, ok := mapping.ParseRelationKind(r.Kind)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("invalid relation kind %q, must be \"one\", \"many\", or \"remote\"", r.Kind),
				Code:    ErrUnknownRelationKind,
				Line:    lineOf(r.Pos),
			})
		}
		if !sets[r.Set] {
			errs = append(errs, ValidationError{
				Field:   field + ".set",
				Message: fmt.Sprintf("set %q is not declared", r.Set),
				Code:    ErrUnknownRelationSet,
				Line:    lineOf(r.Pos),
			})
		}
		if (kind == mapping.One || kind == mapping.Many) && r.ForeignKey == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".foreign_key",
				Message: fmt.Sprintf("%s relation requires a foreign_key", kind),
				Code:    ErrMissingForeignKey,
				Line:    lineOf(r.Pos),
			})
		}
		if _, ok := t.Fields[r.Property]; ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("relation %q shadows a declared field", r.Property),
				Code:    ErrRelationIsField,
				Line:    lineOf(r.Pos),
			})
		}
	}
	return errs
}

func isValidKind(k string) bool {
	switch k {
	case "string", "int", "number", "bool", "array", "object", "any":
		return true
	}
	return false
}

func sortedFieldNames(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func lineOf(p token.Pos) int {
	if !p.IsValid() {
		return 0
	}
	return p.Line()
}
