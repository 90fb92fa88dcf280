package utils

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// CanonicalHostname returns a hostname in canonical form:
// - Trimmed of surrounding whitespace
// - Lowercased
// - No trailing dot
// - Unicode labels converted to punycode (ASCII input is returned as-is)
//
// Conversion failures leave the lowercased input in place; validation is the
// caller's job.
func CanonicalHostname(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	if !isASCII(name) {
		if ascii, err := idna.Punycode.ToASCII(name); err == nil {
			name = ascii
		}
	}
	return name
}

// Suffixes returns the candidate domains for a suffix walk, most specific
// first: the full name, then the name with its leftmost label dropped, and so
// on until only two labels remain. A bare TLD (single label) is never a
// candidate, so "com" yields no suffixes.
func Suffixes(name string) []string {
	if name == "" {
		return nil
	}
	out := make([]string, 0, strings.Count(name, ".")+1)
	s := name
	for {
		i := strings.IndexByte(s, '.')
		if i < 0 {
			break
		}
		out = append(out, s)
		s = s[i+1:]
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
