package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Object is a raw entity payload as exchanged with the remote source and
// the local stores: a JSON object decoded into Go values.
//
// Values are restricted to what encoding/json produces (nil, bool, float64,
// string, []any, map[string]any) plus int/int64 and time.Time, which callers
// may set directly. Nested objects may be map[string]any or Object.
type Object map[string]any

// Type tag fields used for polymorphic payloads.
const (
	TypeField      = "$type"
	ODataTypeField = "odata.type"
)

// Field returns the value stored under name.
// Implements query.Record so raw payloads can be filtered locally.
func (o Object) Field(name string) (any, bool) {
	v, ok := o[name]
	return v, ok
}

// TypeTag returns the polymorphic type discriminator, if any.
// A leading '#' (OData JSON light convention) is stripped.
func (o Object) TypeTag() string {
	for _, f := range []string{TypeField, ODataTypeField} {
		if s, ok := o[f].(string); ok && s != "" {
			if s[0] == '#' {
				return s[1:]
			}
			return s
		}
	}
	return ""
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

// Without returns a deep copy of the object with the given fields removed.
func (o Object) Without(fields ...string) Object {
	out := o.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Keys returns the field names in sorted order.
func (o Object) Keys() []string {
	return slices.Sorted(maps.Keys(o))
}

// CloneValue deep-copies one decoded JSON value.
func CloneValue(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case map[string]any:
		return Object(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []Object:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e.Clone()
		}
		return out
	default:
		return v
	}
}

// AsObject converts a decoded JSON value to an Object.
// Returns false when v is not a JSON object.
func AsObject(v any) (Object, bool) {
	switch val := v.(type) {
	case Object:
		return val, true
	case map[string]any:
		return Object(val), true
	default:
		return nil, false
	}
}

// AsObjects converts a decoded JSON array of objects to []Object.
// Non-object elements are skipped.
func AsObjects(v any) ([]Object, bool) {
	switch val := v.(type) {
	case []Object:
		return val, true
	case []any:
		out := make([]Object, 0, len(val))
		for _, e := range val {
			if obj, ok := AsObject(e); ok {
				out = append(out, obj)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Decode parses a JSON object.
func Decode(data []byte) (Object, error) {
	var obj Object
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return obj, nil
}

// Encode renders the object as compact JSON.
// time.Time values are rendered as RFC 3339 strings by encoding/json.
func (o Object) Encode() ([]byte, error) {
	data, err := json.Marshal(map[string]any(o))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Equal reports whether two field values are equal under payload semantics:
// numbers compare numerically regardless of Go type, times by instant,
// everything else by canonical JSON.
func Equal(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	ca, errA := MarshalCanonical(a)
	cb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
