package pattern

import "strings"

// MatchesGlob checks if a string matches a glob pattern with * wildcard support.
// Used for client-agent allow/block lists and model allowlists.
func MatchesGlob(s, pattern string) bool {
	pattern = strings.ToLower(pattern)
	s = strings.ToLower(s)

	switch {
	case pattern == "*":
		return true
	case strings.Contains(pattern, "*"):
		switch {
		case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
			// *text* - contains
			core := strings.Trim(pattern, "*")
			return strings.Contains(s, core)
		case strings.HasPrefix(pattern, "*"):
			// *text - ends with
			suffix := strings.TrimPrefix(pattern, "*")
			return strings.HasSuffix(s, suffix)
		case strings.HasSuffix(pattern, "*"):
			// text* - starts with
			prefix := strings.TrimSuffix(pattern, "*")
			return strings.HasPrefix(s, prefix)
		default:
			return s == pattern
		}
	default:
		return s == pattern
	}
}

// MatchesAny reports whether s matches at least one of the patterns
func MatchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesGlob(s, p) {
			return true
		}
	}
	return false
}
