package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-catd/internal/catd/common/clock"
	"github.com/haukened/rr-catd/internal/catd/common/utils"
	"github.com/haukened/rr-catd/internal/catd/domain"
	"github.com/haukened/rr-catd/internal/catd/repos/resultcache"
)

// fakeStore matches exact stored suffixes in memory.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string][]string // domain → categories
	lookups atomic.Int32
	err     error
	block   chan struct{}
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string][]string{}} }

func (f *fakeStore) AddHostName(_ context.Context, hostname, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[hostname] = append(f.rows[hostname], category)
	return nil
}

func (f *fakeStore) LookupHostName(ctx context.Context, hostname, category string) (domain.LookupResult, error) {
	f.lookups.Add(1)
	if err := ctx.Err(); err != nil {
		return domain.NoMatch(), err
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return domain.NoMatch(), f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sfx := range utils.Suffixes(hostname) {
		for _, c := range f.rows[sfx] {
			if category == domain.AnyCategory || c == category {
				return domain.Matched(domain.Record{Domain: sfx, Category: c}), nil
			}
		}
	}
	return domain.NoMatch(), nil
}

func (f *fakeStore) DeleteHostName(_ context.Context, hostname, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, hostname)
	return nil
}

func (f *fakeStore) DeleteCategory(context.Context, string) error { return nil }

func (f *fakeStore) ListCategories(context.Context, string) ([]string, error) {
	return []string{"ads"}, nil
}

func (f *fakeStore) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = map[string][]string{}
	return nil
}

type fakeReverse struct {
	ready bool
	chain map[string]string
	err   error
	calls atomic.Int32
}

func (f *fakeReverse) Ready() bool { return f.ready }

func (f *fakeReverse) RecursiveResolve(_ context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	for {
		next, ok := f.chain[key]
		if !ok {
			return key, nil
		}
		key = next
	}
}

// countingLogger counts entries per level.
type countingLogger struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *countingLogger) inc(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[level]++
}

func (l *countingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[level]
}

func (l *countingLogger) Info(map[string]any, string)  { l.inc("info") }
func (l *countingLogger) Error(map[string]any, string) { l.inc("error") }
func (l *countingLogger) Debug(map[string]any, string) { l.inc("debug") }
func (l *countingLogger) Warn(map[string]any, string)  { l.inc("warn") }
func (l *countingLogger) Panic(map[string]any, string) { l.inc("panic") }
func (l *countingLogger) Fatal(map[string]any, string) { l.inc("fatal") }

type harness struct {
	svc     *Service
	store   *fakeStore
	reverse *fakeReverse
	cache   *resultcache.Cache
	clock   *clock.MockClock
}

const testTTL = 90 * time.Second

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clk := &clock.MockClock{CurrentTime: time.Unix(1_700_000_000, 0)}
	cache, err := resultcache.New(resultcache.Options{MaxKeys: 100, TTL: testTTL, Clock: clk})
	require.NoError(t, err)
	h := &harness{
		store:   newFakeStore(),
		reverse: &fakeReverse{ready: true, chain: map[string]string{}},
		cache:   cache,
		clock:   clk,
	}
	opts := Options{Store: h.store, Reverse: h.reverse, Cache: cache, Clock: clk}
	for _, m := range mutate {
		m(&opts)
	}
	h.svc, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(h.svc.Close)
	return h
}

func TestLookupByHostnameRequiresFields(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ host, cat string }{{"", "ads"}, {"a.com", ""}, {"  ", "ads"}} {
		_, err := h.svc.LookupByHostname(context.Background(), tc.host, tc.cat)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestLookupByHostnameCacheAside(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.AddHostName(ctx, "example.com", "ads"))

	for range 3 {
		res, err := h.svc.LookupByHostname(ctx, "WWW.Example.com.", "ads")
		require.NoError(t, err)
		require.True(t, res.Match)
		assert.Equal(t, domain.Record{Domain: "example.com", Category: "ads"}, *res.Result)
	}
	for range 3 {
		res, err := h.svc.LookupByHostname(ctx, "other.test", "ads")
		require.NoError(t, err)
		assert.False(t, res.Match)
	}
	assert.Equal(t, int32(2), h.store.lookups.Load())
}

func TestNegativeStalenessWindowIsTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.LookupByHostname(ctx, "late.example.com", "ads")
	require.NoError(t, err)
	require.False(t, res.Match)

	// Direct store write: the cached negative is not purged.
	require.NoError(t, h.store.AddHostName(ctx, "late.example.com", "ads"))

	h.clock.Advance(testTTL - time.Nanosecond)
	res, err = h.svc.LookupByHostname(ctx, "late.example.com", "ads")
	require.NoError(t, err)
	assert.False(t, res.Match, "stale negative served within TTL")

	h.clock.Advance(time.Nanosecond)
	res, err = h.svc.LookupByHostname(ctx, "late.example.com", "ads")
	require.NoError(t, err)
	assert.True(t, res.Match, "negative must expire exactly at TTL")
}

func TestAdminWritesPurgeCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, _ := h.svc.LookupByHostname(ctx, "a.com", "ads")
	require.False(t, res.Match)

	require.NoError(t, h.svc.AddHostEntry(ctx, "a.com", "ads"))
	res, _ = h.svc.LookupByHostname(ctx, "a.com", "ads")
	assert.True(t, res.Match)

	require.NoError(t, h.svc.DeleteHostEntry(ctx, "a.com", "ads"))
	res, _ = h.svc.LookupByHostname(ctx, "a.com", "ads")
	assert.False(t, res.Match)
}

func TestStoreErrorIsMissAndNotCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.err = errors.New("connection reset")

	res, err := h.svc.LookupByHostname(ctx, "a.com", "ads")
	require.NoError(t, err)
	assert.False(t, res.Match)

	h.store.err = nil
	require.NoError(t, h.store.AddHostName(ctx, "a.com", "ads"))
	res, err = h.svc.LookupByHostname(ctx, "a.com", "ads")
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestLookupByHostnameCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.block = make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.LookupByHostname(ctx, "a.com", "ads")
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(h.store.block)
	wg.Wait()
	assert.Equal(t, int32(1), h.store.lookups.Load())
}

func TestLookupByIPRequiresReverseCache(t *testing.T) {
	h := newHarness(t)
	h.reverse.ready = false
	_, err := h.svc.LookupByIP(context.Background(), "1.2.3.4", "ads")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)

	h = newHarness(t, func(o *Options) { o.Reverse = nil })
	_, err = h.svc.LookupByIP(context.Background(), "1.2.3.4", "ads")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestLookupByIPMiss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.LookupByIP(ctx, "9.9.9.9", domain.IPMissCategory)
	require.NoError(t, err)
	require.True(t, res.Match)
	assert.Equal(t, domain.Record{IP: "9.9.9.9", Category: domain.IPMissCategory}, *res.Result)

	res, err = h.svc.LookupByIP(ctx, "9.9.9.9", "ads")
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Nil(t, res.Result)
}

func TestLookupByIPResolvesToHostname(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.reverse.chain["1.2.3.4"] = "cdn.example.com"
	h.reverse.chain["cdn.example.com"] = "edge.tracker.net"
	require.NoError(t, h.store.AddHostName(ctx, "tracker.net", "tracking"))

	res, err := h.svc.LookupByIP(ctx, "1.2.3.4", "tracking")
	require.NoError(t, err)
	require.True(t, res.Match)
	assert.Equal(t, domain.Record{Domain: "tracker.net", Category: "tracking"}, *res.Result)

	// A resolved IP never reports ip_miss.
	res, err = h.svc.LookupByIP(ctx, "1.2.3.4", domain.IPMissCategory)
	require.NoError(t, err)
	assert.False(t, res.Match)

	// Cached by ip:category.
	_, _ = h.svc.LookupByIP(ctx, "1.2.3.4", "tracking")
	assert.Equal(t, int32(2), h.reverse.calls.Load())
}

func TestLookupByIPResolveErrorFailsClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.reverse.err = errors.New("max hops exceeded")

	res, err := h.svc.LookupByIP(ctx, "1.2.3.4", domain.IPMissCategory)
	require.NoError(t, err)
	assert.False(t, res.Match)

	h.reverse.err = nil
	res, err = h.svc.LookupByIP(ctx, "1.2.3.4", domain.IPMissCategory)
	require.NoError(t, err)
	assert.True(t, res.Match, "errors must not be cached")
}

func TestCleanupPurgesCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.AddHostEntry(ctx, "a.com", "ads"))
	res, _ := h.svc.LookupByHostname(ctx, "a.com", "ads")
	require.True(t, res.Match)

	require.NoError(t, h.svc.Cleanup(ctx))
	res, _ = h.svc.LookupByHostname(ctx, "a.com", "ads")
	assert.False(t, res.Match)
}

func TestNewRequiresStoreAndCache(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "required"))
}

func TestResolveFailuresAreThrottled(t *testing.T) {
	logger := &countingLogger{}
	h := newHarness(t, func(o *Options) {
		o.Logger = logger
		o.ResolveLogThrottle = time.Hour
	})
	h.reverse.err = errors.New("dial tcp: connection refused")

	for i := range 50 {
		res, err := h.svc.LookupByIP(context.Background(), fmt.Sprintf("10.0.0.%d", i), "ads")
		require.NoError(t, err)
		assert.False(t, res.Match)
	}
	assert.Equal(t, int32(50), h.reverse.calls.Load())
	assert.Equal(t, 1, logger.count("warn"))
}

func TestLookupDetachedFromCallerCancellation(t *testing.T) {
	logger := &countingLogger{}
	h := newHarness(t, func(o *Options) { o.Logger = logger })
	h.store.rows["example.com"] = []string{"ads"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.svc.LookupByHostname(ctx, "www.example.com", "ads")
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Zero(t, logger.count("error"))

	h.reverse.chain["10.1.1.1"] = "www.example.com"
	res, err = h.svc.LookupByIP(ctx, "10.1.1.1", "ads")
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestStateReportsCacheStats(t *testing.T) {
	h := newHarness(t)
	h.store.rows["example.com"] = []string{"ads"}

	for range 3 {
		_, err := h.svc.LookupByHostname(context.Background(), "example.com", "ads")
		require.NoError(t, err)
	}
	st := h.svc.State()
	require.NotNil(t, st.Cache)
	assert.Equal(t, 1, st.Cache.Entries)
	assert.Equal(t, uint64(2), st.Cache.Hits)
	assert.Equal(t, uint64(1), st.Cache.Misses)
}
