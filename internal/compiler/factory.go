package compiler

import (
	"fmt"
	"math"
	"reflect"

	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
)

// FieldError reports a payload field that does not match its declared kind.
type FieldError struct {
	Type  string
	Field string
	Want  string
	Got   any
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: want %s, got %T", e.Type, e.Field, e.Want, e.Got)
}

func fieldFactory(typ string, fields map[string]string) mapping.Factory {
	return func(raw payload.Object) (payload.Object, error) {
		for name, kind := range fields {
			v, ok := raw[name]
			if !ok || v == nil {
				continue
			}
			if !matchesKind(v, kind) {
				return nil, &FieldError{Type: typ, Field: name, Want: kind, Got: v}
			}
		}
		return raw.Clone(), nil
	}
}

func matchesKind(v any, kind string) bool {
	switch kind {
	case "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := payload.ToFloat(v)
		return ok
	case "int":
		f, ok := payload.ToFloat(v)
		return ok && f == math.Trunc(f)
	case "array":
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		switch v.(type) {
		case map[string]any, payload.Object:
			return true
		}
		return false
	}
	return false
}
