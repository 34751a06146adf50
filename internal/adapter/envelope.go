package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/entsync/internal/payload"
)

// Normalize converts a decoded collection response to a Result.
// Accepted shapes:
//
//	{"odata.metadata": ..., "odata.count": "12", "value": [...]}
//	{"__count": "12", "results": [...]}
//	[...]
//
// each optionally wrapped in {"d": ...}. A missing count is the number of
// items. Any other object is treated as a single-item array.
func Normalize(raw any) Result {
	switch v := raw.(type) {
	case nil:
		return Result{Data: []payload.Object{}}
	case []any, []payload.Object:
		return fromArray(v, -1)
	}

	obj, ok := payload.AsObject(raw)
	if !ok {
		return Result{Data: []payload.Object{}}
	}
	if d, ok := obj["d"]; ok && len(obj) == 1 {
		return Normalize(d)
	}
	if value, ok := obj["value"]; ok {
		return fromArray(value, countOf(obj["odata.count"]))
	}
	if results, ok := obj["results"]; ok {
		return fromArray(results, countOf(obj["__count"]))
	}
	return Result{Data: []payload.Object{obj}, Count: 1}
}

// NormalizeJSON decodes body and normalises it.
func NormalizeJSON(body []byte) (Result, error) {
	raw, err := decodeJSON(body)
	if err != nil {
		return Result{}, err
	}
	return Normalize(raw), nil
}

// UnwrapEntity extracts a single entity from a response body, accepting a
// bare object or one wrapped in {"d": ...}. An empty body yields nil.
func UnwrapEntity(body []byte) (payload.Object, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	raw, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	obj, ok := payload.AsObject(raw)
	if !ok {
		return nil, fmt.Errorf("decode entity: expected object, got %T", raw)
	}
	if d, ok := payload.AsObject(obj["d"]); ok && len(obj) == 1 {
		return d, nil
	}
	return obj, nil
}

func decodeJSON(body []byte) (any, error) {
	var raw any
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func fromArray(v any, count int) Result {
	items, ok := payload.AsObjects(v)
	if !ok {
		items = []payload.Object{}
	}
	if count < 0 {
		count = len(items)
	}
	return Result{Data: items, Count: count}
}

// countOf reads an inline count sent either as a number or a string.
// Returns -1 when absent or unreadable.
func countOf(v any) int {
	if f, ok := payload.ToFloat(v); ok {
		return int(f)
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return -1
}
