package domain

import (
	"fmt"
	"time"
)

// BulkState is the process-wide bulk operation flag.
type BulkState uint8

const (
	StateIdle BulkState = iota
	StateLoading
	StateGenerating
)

// String returns a stable string representation of the state.
func (s BulkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateGenerating:
		return "generating"
	default:
		return fmt.Sprintf("BulkState(%d)", s)
	}
}

// MarshalText renders the state by name in JSON.
func (s BulkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Artifact describes a generated export archive.
type Artifact struct {
	Path        string    `json:"path"`
	GeneratedAt time.Time `json:"generated_at"`
	Size        int64     `json:"size"`
}

// IngestionState is a snapshot of the bulk operation state.
type IngestionState struct {
	State     BulkState   `json:"state"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	LastError string      `json:"last_error,omitempty"`
	Artifact  *Artifact   `json:"artifact,omitempty"`
	Cache     *CacheStats `json:"cache,omitempty"`
}

// CacheStats are cumulative counters of the local result cache.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
	Dropped uint64 `json:"dropped"`
}

// Busy reports whether a bulk operation is in flight.
func (s IngestionState) Busy() bool { return s.State != StateIdle }
