package model

import (
	"sort"
	"strings"
)

// NormalizeDimensions returns a new map with keys lowercased and trimmed, aliases applied,
// values trimmed and empty values removed. It does not mutate the input map.
// aliasMap maps alternative keys to canonical keys, e.g. "ip" -> "bk_target_ip".
func NormalizeDimensions(in map[string]string, aliasMap map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// CanonicalKey returns a stable string for a dimension set: sorted k=v pairs joined by '|'.
func CanonicalKey(dims map[string]string) string {
	if len(dims) == 0 {
		return "{}"
	}
	keys := SortedKeys(dims)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
	}
	return b.String()
}

func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subset keeps only the given keys. An empty key list keeps everything.
func Subset(dims map[string]string, keys []string) map[string]string {
	if len(keys) == 0 {
		out := make(map[string]string, len(dims))
		for k, v := range dims {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := dims[k]; ok {
			out[k] = v
		}
	}
	return out
}
