package resultcache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-catd/internal/catd/common/clock"
	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

// DefaultTTL is the entry lifetime used when none is configured.
const DefaultTTL = 90 * time.Second

type item struct {
	entry     domain.CacheEntry
	expiresAt time.Time
}

// Cache is a bounded, TTL-based cache of lookup outcomes keyed by
// "target:category". Entries expire a fixed TTL after they are written,
// independent of access. When full, new keys are dropped rather than evicting
// hot entries.
type Cache struct {
	lru     *lru.Cache[string, item]
	maxKeys int
	ttl     time.Duration
	clock   clock.Clock
	logger  log.Logger

	sweepMu   sync.Mutex
	lastSweep time.Time

	hits    uint64
	misses  uint64
	expired uint64
	dropped uint64
}

// Options configures a Cache.
type Options struct {
	MaxKeys int
	TTL     time.Duration
	Clock   clock.Clock
	Logger  log.Logger
}

// New creates a cache. MaxKeys <= 0 returns a disabled cache that always
// misses.
func New(opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	c := &Cache{maxKeys: opts.MaxKeys, ttl: opts.TTL, clock: opts.Clock, logger: opts.Logger}
	if opts.MaxKeys <= 0 {
		return c, nil
	}
	l, err := lru.New[string, item](opts.MaxKeys)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Key builds the cache key for a lookup target and category.
func Key(target, category string) string {
	return target + ":" + category
}

// Get returns the live entry for key, if any.
func (c *Cache) Get(key string) (domain.CacheEntry, bool) {
	if c.lru == nil {
		atomic.AddUint64(&c.misses, 1)
		return domain.CacheEntry{}, false
	}
	it, ok := c.lru.Get(key)
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return domain.CacheEntry{}, false
	}
	if !c.clock.Now().Before(it.expiresAt) {
		c.lru.Remove(key)
		atomic.AddUint64(&c.expired, 1)
		atomic.AddUint64(&c.misses, 1)
		return domain.CacheEntry{}, false
	}
	atomic.AddUint64(&c.hits, 1)
	return it.entry, true
}

// Put stores entry under key. It never fails: when the cache holds MaxKeys
// live entries, the write is dropped and logged.
func (c *Cache) Put(key string, entry domain.CacheEntry) {
	if c.lru == nil {
		return
	}
	now := c.clock.Now()
	// Len and Add are not atomic; a racing Put may evict one entry instead of
	// dropping.
	if c.lru.Len() >= c.maxKeys && !c.lru.Contains(key) {
		if c.sweep(now) == 0 {
			atomic.AddUint64(&c.dropped, 1)
			c.logger.Info(map[string]any{"key": key, "max_keys": c.maxKeys}, "Result cache full, dropping write")
			return
		}
	}
	c.lru.Add(key, item{entry: entry, expiresAt: now.Add(c.ttl)})
}

// sweep removes expired entries, at most once per second, and returns how
// many were removed.
func (c *Cache) sweep(now time.Time) int {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if now.Sub(c.lastSweep) < time.Second {
		return 0
	}
	c.lastSweep = now
	removed := 0
	for _, k := range c.lru.Keys() {
		if it, ok := c.lru.Peek(k); ok && !now.Before(it.expiresAt) {
			c.lru.Remove(k)
			removed++
		}
	}
	atomic.AddUint64(&c.expired, uint64(removed))
	return removed
}

// Purge clears all entries.
func (c *Cache) Purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

// Len returns the number of stored entries, including expired ones not yet
// collected.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns the current entry count and cumulative counters.
func (c *Cache) Stats() domain.CacheStats {
	return domain.CacheStats{
		Entries: c.Len(),
		Hits:    atomic.LoadUint64(&c.hits),
		Misses:  atomic.LoadUint64(&c.misses),
		Expired: atomic.LoadUint64(&c.expired),
		Dropped: atomic.LoadUint64(&c.dropped),
	}
}
