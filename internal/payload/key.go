package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TempKeyPrefix is the fixed prefix of every temporary key.
const TempKeyPrefix = "00000000-0000-0000-0000-"

var tempKeyPattern = regexp.MustCompile(`^00000000-0000-0000-0000-\d{12}$`)

// TempKey renders the temporary key for counter n.
func TempKey(n int64) string {
	return fmt.Sprintf("%s%012d", TempKeyPrefix, n)
}

// IsTempKey reports whether v is a temporary key.
func IsTempKey(v any) bool {
	s, ok := v.(string)
	return ok && tempKeyPattern.MatchString(s)
}

// KeyString normalizes a key value to its index form.
//
// JSON decodes every number as float64, while callers often build entities
// with int keys; both must land on the same index entry, so integral numbers
// render without a fraction. Returns "" for nil.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case json.Number:
		if f, err := k.Float64(); err == nil {
			return KeyString(f)
		}
		return k.String()
	case bool:
		return strconv.FormatBool(k)
	}
	if f, ok := ToFloat(v); ok {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// IsEmptyKey reports whether v carries no usable identity.
func IsEmptyKey(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
