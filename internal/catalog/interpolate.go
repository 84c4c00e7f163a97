package catalog

import (
	"fmt"
	"strings"
)

// Interpolate resolves `${...}` references in v against ctx, per spec.md
// §4.4: a bare `"${path}"` substitutes by value, preserving the resolved
// leaf's type; a string with embedded `${path}` occurrences substitutes
// by string conversion, with unresolved paths yielding empty string.
// Interpolation recurses into maps and slices; it is idempotent (running
// it twice on an already-interpolated value is a no-op, since the
// result contains no further `${...}` occurrences to resolve, or — if it
// does, by coincidence of the original data — resolves identically
// against the same context).
func Interpolate(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return interpolateString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Interpolate(child, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Interpolate(child, ctx)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, ctx map[string]any) any {
	if isWholePlaceholder(s) {
		path := s[2 : len(s)-1]
		resolved, ok := resolvePath(path, ctx)
		if !ok {
			return nil
		}
		return resolved
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])

		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		end += start

		path := s[start+2 : end]
		if resolved, ok := resolvePath(path, ctx); ok {
			b.WriteString(stringifyLeaf(resolved))
		}
		i = end + 1
	}
	return b.String()
}

func isWholePlaceholder(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 && strings.Index(s, "}") == len(s)-1
}

// resolvePath traverses a dot-separated path over ctx. A missing leaf at
// any point yields (nil, false).
func resolvePath(path string, ctx map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[part]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyLeaf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
