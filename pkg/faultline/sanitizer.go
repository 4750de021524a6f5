// sanitizer.go redacts sensitive fields from arbitrary nested data before
// it leaves the process. Sanitize is a pure function: it returns a new
// structure and never mutates its input.

package faultline

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

const (
	redactedMarker    = "[REDACTED]"
	circularMarker    = "[CIRCULAR_REFERENCE]"
	depthMarker       = "[MAX_DEPTH_EXCEEDED]"
	unsupportedMarker = "[UNSUPPORTED_TYPE]"
)

// Built-in sensitive key names, matched case-insensitively as substrings
// of object keys. Covers the common credential spellings: password,
// token (access/refresh/api token included), api key, secret, auth,
// bearer, authorization.
var builtinSensitiveKeys = []string{
	"password",
	"passwd",
	"token",
	"apikey",
	"api_key",
	"api-key",
	"secret",
	"auth",
	"bearer",
	"credential",
}

// Sanitizer walks nested structures and replaces the values of sensitive
// keys with a fixed redaction marker. Safe for concurrent use.
type Sanitizer struct {
	custom   []*regexp.Regexp
	marker   string
	maxDepth int
}

// NewSanitizer builds a Sanitizer with the built-in key patterns plus the
// supplied custom patterns (case-insensitive regular expressions matched
// against keys). Patterns must have been validated by Config.Validate;
// invalid ones are skipped here rather than failing construction.
func NewSanitizer(customPatterns []string, marker string, maxDepth int) *Sanitizer {
	if marker == "" {
		marker = redactedMarker
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}
	s := &Sanitizer{marker: marker, maxDepth: maxDepth}
	for _, p := range customPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		s.custom = append(s.custom, re)
	}
	return s
}

// Sanitize returns a deep copy of v with sensitive values redacted,
// recursion bounded by the depth cap, and cycles replaced with a marker.
// The output contains only JSON-safe values.
func (s *Sanitizer) Sanitize(v any) any {
	return s.walk(v, 0, map[uintptr]bool{})
}

// sensitiveKey reports whether an object key matches the built-in set or
// a custom pattern.
func (s *Sanitizer) sensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, name := range builtinSensitiveKeys {
		if strings.Contains(lowered, name) {
			return true
		}
	}
	for _, re := range s.custom {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) walk(v any, depth int, visited map[uintptr]bool) any {
	if depth > s.maxDepth {
		return depthMarker
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case error:
		// Reduce errors to their serializable surface.
		out := map[string]any{
			"name":    fmt.Sprintf("%T", val),
			"message": val.Error(),
		}
		if st, ok := val.(interface{ StackTrace() string }); ok {
			out["stack"] = st.StackTrace()
		}
		return out
	case map[string]any:
		return s.walkMap(val, depth, visited)
	case []any:
		return s.walkSlice(val, depth, visited)
	}

	return s.walkReflect(reflect.ValueOf(v), depth, visited)
}

func (s *Sanitizer) walkMap(m map[string]any, depth int, visited map[uintptr]bool) any {
	ptr := reflect.ValueOf(m).Pointer()
	if visited[ptr] {
		return circularMarker
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if s.sensitiveKey(k) {
			out[k] = s.marker
			continue
		}
		out[k] = s.walk(v, depth+1, visited)
	}
	return out
}

func (s *Sanitizer) walkSlice(sl []any, depth int, visited map[uintptr]bool) any {
	if len(sl) > 0 {
		ptr := reflect.ValueOf(sl).Pointer()
		if visited[ptr] {
			return circularMarker
		}
		visited[ptr] = true
		defer delete(visited, ptr)
	}

	out := make([]any, len(sl))
	for i, v := range sl {
		out[i] = s.walk(v, depth+1, visited)
	}
	return out
}

// walkReflect handles values outside the JSON-native fast path: pointers,
// structs, typed maps and slices. Structs flatten to maps so field names
// participate in sensitive-key matching.
func (s *Sanitizer) walkReflect(rv reflect.Value, depth int, visited map[uintptr]bool) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if visited[ptr] {
				return circularMarker
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return s.walk(rv.Elem().Interface(), depth, visited)

	case reflect.Map:
		ptr := rv.Pointer()
		if visited[ptr] {
			return circularMarker
		}
		visited[ptr] = true
		defer delete(visited, ptr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			if s.sensitiveKey(key) {
				out[key] = s.marker
				continue
			}
			out[key] = s.walk(iter.Value().Interface(), depth+1, visited)
		}
		return out

	case reflect.Slice:
		if rv.Len() > 0 {
			ptr := rv.Pointer()
			if visited[ptr] {
				return circularMarker
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = s.walk(rv.Index(i).Interface(), depth+1, visited)
		}
		return out

	case reflect.Struct:
		t := rv.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			if s.sensitiveKey(field.Name) {
				out[field.Name] = s.marker
				continue
			}
			out[field.Name] = s.walk(rv.Field(i).Interface(), depth+1, visited)
		}
		return out

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return unsupportedMarker

	default:
		if rv.IsValid() && rv.CanInterface() {
			return fmt.Sprint(rv.Interface())
		}
		return unsupportedMarker
	}
}
