package hierarchy

// CloneData returns a deep copy of a data map. Nested maps and slices produced
// by JSON decoding are copied so that callers can never mutate cached state.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// MergeShallow copies every key of overlay into base, replacing existing keys
// wholesale. Values are never merged recursively.
func MergeShallow(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		base[k] = cloneValue(v)
	}
	return base
}
