package bloom

import (
	"sync"
	"sync/atomic"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-catd/internal/catd/repos/categorystore"
)

// Prefilter is a Bloom filter of every stored domain. It only answers
// "definitely absent" once hydration has completed; until then the store
// consults the database for every lookup.
type Prefilter struct {
	capacity uint64
	fpRate   float64

	mu    sync.RWMutex
	bf    *bitsbloom.BloomFilter
	ready atomic.Bool
}

// New returns an empty, not-yet-ready prefilter sized for capacity keys at
// the target false-positive rate.
func New(capacity uint64, fpRate float64) *Prefilter {
	p := &Prefilter{capacity: capacity, fpRate: fpRate}
	p.bf = p.fresh()
	return p
}

func (p *Prefilter) fresh() *bitsbloom.BloomFilter {
	m, k := size(p.capacity, p.fpRate)
	return bitsbloom.New(uint(m), uint(k))
}

// Add records a stored domain.
func (p *Prefilter) Add(name string) {
	p.mu.Lock()
	p.bf.AddString(name)
	p.mu.Unlock()
}

// MightContain reports whether name may be stored.
func (p *Prefilter) MightContain(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bf.TestString(name)
}

// Ready reports whether hydration has completed.
func (p *Prefilter) Ready() bool { return p.ready.Load() }

// MarkReady enables negative answers.
func (p *Prefilter) MarkReady() { p.ready.Store(true) }

// Reset drops all keys and returns to the not-ready state.
func (p *Prefilter) Reset() {
	p.ready.Store(false)
	p.mu.Lock()
	p.bf = p.fresh()
	p.mu.Unlock()
}

var _ categorystore.Prefilter = (*Prefilter)(nil)
