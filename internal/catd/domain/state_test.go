package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "generating", StateGenerating.String())
	assert.Equal(t, "BulkState(7)", BulkState(7).String())
}

func TestIngestionState_JSON(t *testing.T) {
	b, err := json.Marshal(IngestionState{State: StateGenerating})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"generating"}`, string(b))
	b, err = json.Marshal(IngestionState{Cache: &CacheStats{Entries: 2, Hits: 5, Dropped: 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"idle","cache":{"entries":2,"hits":5,"misses":0,"expired":0,"dropped":1}}`, string(b))

	assert.True(t, IngestionState{State: StateLoading}.Busy())
	assert.False(t, IngestionState{}.Busy())
}

func TestLookupResult_JSON(t *testing.T) {
	b, err := json.Marshal(Matched(Record{IP: "9.9.9.9", Category: IPMissCategory}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"match":true,"result":{"ip":"9.9.9.9","category":"ip_miss"}}`, string(b))

	b, err = json.Marshal(NoMatch())
	require.NoError(t, err)
	assert.JSONEq(t, `{"match":false}`, string(b))
}
