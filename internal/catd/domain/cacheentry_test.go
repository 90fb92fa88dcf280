package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheEntry_Tagging(t *testing.T) {
	var zero CacheEntry
	assert.False(t, zero.IsNegative(), "zero value must not read as a cached miss")
	_, ok := zero.Record()
	assert.False(t, ok)

	neg := NegativeEntry()
	assert.True(t, neg.IsNegative())
	assert.Equal(t, NoMatch(), neg.Result())

	// A positive entry whose record looks "empty" is still a hit.
	pos := PositiveEntry(Record{})
	assert.False(t, pos.IsNegative())
	r, ok := pos.Record()
	assert.True(t, ok)
	assert.Equal(t, Record{}, r)
	assert.True(t, pos.Result().Match)
}

func TestEntryFor(t *testing.T) {
	rec := Record{Domain: "example.com", Category: "ads"}
	assert.Equal(t, PositiveEntry(rec), EntryFor(Matched(rec)))
	assert.Equal(t, NegativeEntry(), EntryFor(NoMatch()))
	assert.Equal(t, NegativeEntry(), EntryFor(LookupResult{Match: true}))
}

func TestCacheEntryKind_String(t *testing.T) {
	assert.Equal(t, "negative", CacheNegative.String())
	assert.Equal(t, "positive", CachePositive.String())
	assert.Equal(t, "CacheEntryKind(9)", CacheEntryKind(9).String())
}
