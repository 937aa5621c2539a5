package core

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxFailureReasonLen bounds stored failure reasons.
const MaxFailureReasonLen = 1000

var identRegex = regexp.MustCompile(`[^a-z0-9_]+`)

// MappingTable returns the mapping table name for an entity.
func MappingTable(entity string) string {
	return "map_" + identifier(entity)
}

// RefColumn returns the mapped_* column holding a resolved reference.
func RefColumn(name string) string {
	return "mapped_" + identifier(name)
}

// identifier lowercases s and strips anything unsafe in an SQL identifier.
func identifier(s string) string {
	return identRegex.ReplaceAllString(strings.ToLower(s), "_")
}

// equalFold reports whether a and b are equal ignoring case.
func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// strPtr returns a pointer to s, or nil when s is empty.
func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
