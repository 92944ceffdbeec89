// Package strings normalizes user-supplied string lists such as role and
// capability names.
package strings

import (
	"strings"
)

// DedupeAndTrim drops blanks and repeats after trimming, keeping first-seen
// order.
//
//	DedupeAndTrim([]string{" author ", "reviewer", "author", ""})
//	// []string{"author", "reviewer"}
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// DedupeAndTrimLower is DedupeAndTrim with case folded, for names matched
// case-insensitively.
//
//	DedupeAndTrimLower([]string{"Document:Approve", "document:approve "})
//	// []string{"document:approve"}
func DedupeAndTrimLower(values []string) []string {
	return dedupe(values, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

func dedupe(values []string, normalize func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
