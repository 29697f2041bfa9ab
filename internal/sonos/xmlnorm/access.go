package xmlnorm

import (
	"strconv"
	"strings"
)

// Lookup walks obj along path. Each path element may itself be a dotted
// path ("zoneGroupState.zoneGroups").
func Lookup(obj map[string]any, path ...string) (any, bool) {
	var current any = obj
	for _, segment := range path {
		for _, key := range strings.Split(segment, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[key]
			if !ok {
				return nil, false
			}
		}
	}
	return current, true
}

// Map returns the object at path, or nil.
func Map(obj map[string]any, path ...string) map[string]any {
	value, _ := Lookup(obj, path...)
	m, _ := value.(map[string]any)
	return m
}

// List returns the list at path. A lone object is returned as a one element
// list; anything else yields nil.
func List(obj map[string]any, path ...string) []any {
	value, _ := Lookup(obj, path...)
	switch v := value.(type) {
	case []any:
		return v
	case map[string]any:
		return []any{v}
	default:
		return nil
	}
}

// String returns the scalar at path formatted as a string.
func String(obj map[string]any, path ...string) string {
	value, _ := Lookup(obj, path...)
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int returns the number at path. Numeric strings are accepted too, so
// string-only keys can still be read as numbers.
func Int(obj map[string]any, path ...string) (int64, bool) {
	value, _ := Lookup(obj, path...)
	switch v := value.(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool interprets 1, "1" and "true" as true.
func Bool(obj map[string]any, path ...string) bool {
	value, _ := Lookup(obj, path...)
	switch v := value.(type) {
	case bool:
		return v
	case int64:
		return v == 1
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	default:
		return false
	}
}
