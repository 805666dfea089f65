package utils

import (
	"strings"
	"unicode/utf8"
)

// CollapseWhitespace trims s and replaces every run of whitespace with a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most limit runes, appending suffix when it had to cut.
func Truncate(s string, limit int, suffix string) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + suffix
}

// Preview collapses whitespace and truncates to limit runes with an ellipsis.
func Preview(s string, limit int) string {
	return Truncate(CollapseWhitespace(s), limit, "…")
}
