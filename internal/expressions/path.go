package expressions

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var pathPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$-]*(\.[A-Za-z0-9_$-]+)*$`)

// IsPath reports whether s is a plain dotted path such as input.user.name.
func IsPath(s string) bool {
	return pathPattern.MatchString(s)
}

// LookupPath walks a dot-separated path through nested maps and slices.
// Traversal stops with found=false as soon as a segment is missing or the
// current value cannot be indexed.
func LookupPath(root any, path string) (value any, found bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := index(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func index(v any, seg string) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		out, ok := val[seg]
		return out, ok
	case map[string]string:
		out, ok := val[seg]
		return out, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(val) {
			return nil, false
		}
		return val[i], true
	case nil:
		return nil, false
	}

	// Typed maps and slices coming from Go callers.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// SetPath writes value at a dotted path inside root, creating intermediate
// maps as needed. It reports false when an intermediate segment holds a
// non-map value.
func SetPath(root map[string]any, path string, value any) bool {
	segs := strings.Split(path, ".")
	current := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg]
		if !ok || next == nil {
			m := make(map[string]any)
			current[seg] = m
			current = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false
		}
		current = m
	}
	current[segs[len(segs)-1]] = value
	return true
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Other values are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// Normalize converts a Go value into plain JSON types (map[string]any, []any,
// float64, string, bool, nil) by round-tripping through encoding/json.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
