package cache

import "strings"

// BuildKey composes the fusion cache key. The query is trimmed and lowercased
// so "Luke" and "luke " share an entry; the coordinator itself compares keys
// byte for byte.
func BuildKey(resource string, query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))

	var builder strings.Builder
	builder.Grow(len("cache#") + len(resource) + 1 + len(normalized))
	builder.WriteString("cache#")
	builder.WriteString(resource)
	builder.WriteString("#")
	builder.WriteString(normalized)
	return builder.String()
}
