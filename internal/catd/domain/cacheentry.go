package domain

import "fmt"

// CacheEntryKind tags a CacheEntry as a cached miss or a cached hit.
type CacheEntryKind uint8

const (
	// CacheNegative records an explicit prior miss.
	CacheNegative CacheEntryKind = iota + 1
	// CachePositive records a matched Record.
	CachePositive
)

// String returns a stable string representation of the entry kind.
func (k CacheEntryKind) String() string {
	switch k {
	case CacheNegative:
		return "negative"
	case CachePositive:
		return "positive"
	default:
		return fmt.Sprintf("CacheEntryKind(%d)", k)
	}
}

// CacheEntry is a tagged local cache value. The zero value is invalid so a
// missing entry can never be mistaken for a cached miss.
type CacheEntry struct {
	Kind   CacheEntryKind
	record Record
}

// NegativeEntry returns a cached-miss entry.
func NegativeEntry() CacheEntry { return CacheEntry{Kind: CacheNegative} }

// PositiveEntry returns a cached-hit entry holding r.
func PositiveEntry(r Record) CacheEntry { return CacheEntry{Kind: CachePositive, record: r} }

// EntryFor converts a lookup result into the entry to cache.
func EntryFor(res LookupResult) CacheEntry {
	if res.Match && res.Result != nil {
		return PositiveEntry(*res.Result)
	}
	return NegativeEntry()
}

// Record returns the matched record and true for positive entries.
func (e CacheEntry) Record() (Record, bool) {
	if e.Kind != CachePositive {
		return Record{}, false
	}
	return e.record, true
}

// IsNegative reports whether the entry is a cached miss.
func (e CacheEntry) IsNegative() bool { return e.Kind == CacheNegative }

// Result converts the entry back into a lookup result.
func (e CacheEntry) Result() LookupResult {
	if r, ok := e.Record(); ok {
		return Matched(r)
	}
	return NoMatch()
}
