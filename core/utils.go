package core

import (
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CleanString trims s and lowers it when lower is set.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		s = strings.ToLower(s)
	}
	return s
}

// IsIdentifier reports whether s can be used unquoted as a table or column name.
func IsIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}
