package gateway

import "strings"

// Filter constrains which events a subscription receives. Keys are
// "."-separated paths into the event payload; values are a scalar (strict
// equality) or a list (membership). Nil values are ignored, and an empty
// filter matches every event.
type Filter map[string]any

// Matches reports whether the event payload satisfies every filter entry.
// A path that does not resolve in the payload is a non-match.
func (f Filter) Matches(payload map[string]any) bool {
	for path, want := range f {
		if want == nil {
			continue
		}
		got, ok := lookupPath(payload, path)
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			if !containsValue(list, got) {
				return false
			}
			continue
		}
		if !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// Clone returns an independent shallow copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// lookupPath resolves a "."-separated path in a nested map. Missing keys and
// non-map intermediate values resolve to no match.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valueEqual(v, item) {
			return true
		}
	}
	return false
}

// valueEqual compares two JSON scalar values. Numbers are compared as
// float64 because JSON decoding may yield int or float64 depending on the
// producer.
func valueEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
