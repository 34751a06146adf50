package compiler

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/mapping"
)

// Model is a compiled entity model: the sets a context exposes and the
// mapping configuration of each entity type.
type Model struct {
	Sets  []SetSpec
	Types []TypeSpec
}

// SetSpec is one compiled set declaration.
type SetSpec struct {
	data.SetConfig
	Pos token.Pos
}

// TypeSpec is one compiled entity type.
type TypeSpec struct {
	Name      string
	Copy      []string
	Ignore    []string
	Actions   []string
	Relations []RelationSpec
	// Fields maps declared field names to their kind: string, int,
	// number, bool, array, object or any.
	Fields map[string]string
	Pos    token.Pos
}

// RelationSpec is a relation as written, before kind resolution.
type RelationSpec struct {
	Property     string
	Kind         string
	Set          string
	ForeignKey   string
	EnsureRemote bool
	Pos          token.Pos
}

// CompileModel parses the top-level `set` and `type` structs of v.
//
//	set: People: { key: "Id", type: "Person" }
//	type: Person: {
//		fields: { Id: string, Name: string, Age: int }
//		relation: Orders: { kind: "many", set: "Orders", foreign_key: "PersonId" }
//	}
//
// Structural problems are reported as a CompileError with a position.
// Semantic checks (dangling sets, missing keys) are left to Validate.
func CompileModel(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Model{}

	setVal := v.LookupPath(cue.ParsePath("set"))
	if setVal.Exists() {
		iter, err := setVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			s, err := CompileSet(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			m.Sets = append(m.Sets, s)
		}
	}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if typeVal.Exists() {
		iter, err := typeVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			t, err := CompileType(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			m.Types = append(m.Types, t)
		}
	}

	if len(m.Sets) == 0 && len(m.Types) == 0 {
		return nil, &CompileError{
			Field:   "set",
			Message: "model declares no sets or types",
			Pos:     v.Pos(),
		}
	}
	return m, nil
}

// CompileSet parses one `set: <name>` struct.
func CompileSet(name string, v cue.Value) (SetSpec, error) {
	s := SetSpec{SetConfig: data.SetConfig{Name: name}, Pos: v.Pos()}
	fields := []struct {
		label string
		dst   *string
	}{
		{"key", &s.KeyField},
		{"type", &s.DefaultType},
		{"controller", &s.Controller},
		{"adapter", &s.Adapter},
		{"store", &s.Store},
	}
	for _, f := range fields {
		str, err := optionalString(v, f.label)
		if err != nil {
			return s, err
		}
		*f.dst = str
	}
	return s, nil
}

// CompileType parses one `type: <name>` struct.
func CompileType(name string, v cue.Value) (TypeSpec, error) {
	t := TypeSpec{Name: name, Pos: v.Pos()}
	var err error

	if t.Copy, err = stringList(v, "copy"); err != nil {
		return t, err
	}
	if t.Ignore, err = stringList(v, "ignore"); err != nil {
		return t, err
	}
	if t.Actions, err = stringList(v, "actions"); err != nil {
		return t, err
	}
	if t.Fields, err = parseFields(v); err != nil {
		return t, err
	}
	if t.Relations, err = parseRelations(v); err != nil {
		return t, err
	}
	return t, nil
}

func parseFields(v cue.Value) (map[string]string, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}
	iter, err := fieldsVal.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := make(map[string]string)
	for iter.Next() {
		kind, err := extractKind(iter.Value())
		if err != nil {
			return nil, err
		}
		out[iter.Selector().Unquoted()] = kind
	}
	return out, nil
}

func parseRelations(v cue.Value) ([]RelationSpec, error) {
	relVal := v.LookupPath(cue.ParsePath("relation"))
	if !relVal.Exists() {
		return nil, nil
	}
	iter, err := relVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []RelationSpec
	for iter.Next() {
		prop := iter.Label()
		rv := iter.Value()
		r := RelationSpec{Property: prop, Pos: rv.Pos()}

		kindVal := rv.LookupPath(cue.ParsePath("kind"))
		if !kindVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("relation.%s.kind", prop),
				Message: "relation kind is required",
				Pos:     rv.Pos(),
			}
		}
		if r.Kind, err = kindVal.String(); err != nil {
			return nil, formatCUEError(err)
		}
		if r.Set, err = optionalString(rv, "set"); err != nil {
			return nil, err
		}
		if r.ForeignKey, err = optionalString(rv, "foreign_key"); err != nil {
			return nil, err
		}
		if remote := rv.LookupPath(cue.ParsePath("remote")); remote.Exists() {
			if r.EnsureRemote, err = remote.Bool(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func optionalString(v cue.Value, label string) (string, error) {
	f := v.LookupPath(cue.ParsePath(label))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, label string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(label))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// extractKind converts a CUE field constraint into a payload kind.
// A null disjunct (`string | null`) is dropped: nil values always pass.
func extractKind(v cue.Value) (string, error) {
	k := v.IncompleteKind()
	if k != cue.NullKind && k != cue.TopKind {
		k &^= cue.NullKind
	}
	switch k {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.FloatKind, cue.NumberKind:
		return "number", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.TopKind:
		return "any", nil
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported field kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// Configuration converts t into the mapping configuration registered with
// a context. Declared fields are type-checked by the factory.
func (t TypeSpec) Configuration() (*mapping.Configuration, error) {
	cfg := &mapping.Configuration{
		Type:    t.Name,
		Copy:    t.Copy,
		Ignore:  t.Ignore,
		Actions: t.Actions,
	}
	for _, r := range t.Relations {
		kind, ok := mapping.ParseRelationKind(r.Kind)
		if !ok {
			return nil, &CompileError{
				Field:   fmt.Sprintf("type.%s.relation.%s.kind", t.Name, r.Property),
				Message: fmt.Sprintf("unknown relation kind %q", r.Kind),
				Pos:     r.Pos,
			}
		}
		cfg.Relations = append(cfg.Relations, mapping.Relation{
			Property:     r.Property,
			Kind:         kind,
			Controller:   r.Set,
			ForeignKey:   r.ForeignKey,
			EnsureRemote: r.EnsureRemote,
		})
	}
	if len(t.Fields) > 0 {
		cfg.Factory = fieldFactory(t.Name, t.Fields)
	}
	return cfg, nil
}

// Set returns the set declared under name.
func (m *Model) Set(name string) (SetSpec, bool) {
	for _, s := range m.Sets {
		if s.Name == name {
			return s, true
		}
	}
	return SetSpec{}, false
}

// Type returns the type declared under name.
func (m *Model) Type(name string) (TypeSpec, bool) {
	for _, t := range m.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeSpec{}, false
}

// SetNames returns the declared set names in sorted order.
func (m *Model) SetNames() []string {
	out := make([]string, 0, len(m.Sets))
	for _, s := range m.Sets {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

// Install registers every type with dc and then adds every set. Types go
// first so relation views are built for the first attached entity.
func (m *Model) Install(dc *data.Context) error {
	for _, t := range m.Types {
		cfg, err := t.Configuration()
		if err != nil {
			return err
		}
		if err := dc.Register(cfg); err != nil {
			return fmt.Errorf("register type %s: %w", t.Name, err)
		}
	}
	for _, s := range m.Sets {
		if _, err := dc.AddSet(s.SetConfig); err != nil {
			return fmt.Errorf("add set %s: %w", s.Name, err)
		}
	}
	return nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	list := errors.Errors(err)
	if len(list) == 0 {
		return err
	}

	first := list[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
