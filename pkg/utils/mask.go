package utils

// MaskKey hides the middle of an API key for logs and exports, keeping the
// prefix and the last four characters: "pg_1234…cdef". Keys too short to
// mask safely are replaced entirely.
func MaskKey(key string) string {
	if len(key) < 12 {
		return "****"
	}
	return key[:7] + "…" + key[len(key)-4:]
}

// CloneStringSet copies a string slice, returning nil for nil input so that
// optional ACL sets keep their unset/empty distinction across snapshots.
func CloneStringSet(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// CloneStringMap copies a map, returning nil for nil input.
func CloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
