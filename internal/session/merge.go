package session

// MergeData deep-merges patch into dst and returns dst. Nested objects merge
// recursively, a nil value deletes the key, anything else replaces.
func MergeData(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = MergeData(dm, pm)
				continue
			}
			dst[k] = MergeData(nil, pm)
			continue
		}
		dst[k] = cloneValue(v)
	}
	return dst
}

// CloneData returns a deep copy of a JSON-shaped map.
func CloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
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
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
