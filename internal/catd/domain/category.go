package domain

import (
	"fmt"
	"strings"
)

// AnyCategory matches every stored category during a lookup.
const AnyCategory = "any"

// IPMissCategory is the synthetic category reported for IPs with no known
// reverse mapping.
const IPMissCategory = "ip_miss"

// ValidateCategory checks that a category name can be stored and mirrored as
// a directory path: non-empty, slash-separated segments, none of which are
// empty, "." or "..".
func ValidateCategory(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCategory)
	}
	if name == AnyCategory {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCategory, name)
	}
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: bad path segment in %q", ErrInvalidCategory, name)
		}
		if strings.ContainsAny(seg, "\\\x00") {
			return fmt.Errorf("%w: bad character in %q", ErrInvalidCategory, name)
		}
	}
	return nil
}

// CategoryAliases maps historical list names to canonical category names.
type CategoryAliases map[string]string

// Normalize returns the canonical name for category. A full-name alias wins;
// otherwise the top-level segment is mapped and the rest of the path kept.
func (a CategoryAliases) Normalize(category string) string {
	category = strings.Trim(strings.TrimSpace(category), "/")
	if len(a) == 0 {
		return category
	}
	if canon, ok := a[category]; ok {
		return canon
	}
	head, rest, found := strings.Cut(category, "/")
	if canon, ok := a[head]; ok && found {
		return canon + "/" + rest
	}
	return category
}
