package reversecache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

var (
	// ErrResolveDepthExceeded is returned when a chain is longer than MaxHops.
	ErrResolveDepthExceeded = errors.New("reverse resolution max hops exceeded")
	// ErrResolveLoop is returned when a key reappears in its own chain.
	ErrResolveLoop = errors.New("reverse resolution loop detected")
)

// DefaultMaxHops bounds chains when no limit is configured.
const DefaultMaxHops = 16

// Options configures a Cache.
type Options struct {
	URL         string
	DialTimeout time.Duration
	// LogThrottle is the minimum interval between repeated connectivity logs.
	LogThrottle time.Duration
	MaxHops     int
	// Overrides are consulted before redis for every hop.
	Overrides map[string]string
	Logger    log.Logger
}

// Cache resolves IPs and aliases to terminal hostnames by chasing
// key → value pointers stored in redis.
type Cache struct {
	opts      Options
	logger    log.Logger
	throttled *log.Throttled
	overrides map[string]string

	mu     sync.Mutex
	client atomic.Pointer[redis.Client]
}

// New returns a closed Cache. Call Open before resolving.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	overrides := make(map[string]string, len(opts.Overrides))
	for k, v := range opts.Overrides {
		overrides[k] = v
	}
	return &Cache{
		opts:      opts,
		logger:    opts.Logger,
		throttled: log.NewThrottled(opts.Logger, opts.LogThrottle),
		overrides: overrides,
	}
}

// Open connects to redis. Only a malformed URL is an error: an unreachable
// server is logged and the client keeps reconnecting in the background.
func (c *Cache) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.Load() != nil {
		return nil
	}

	opt, err := redis.ParseURL(c.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if c.opts.DialTimeout > 0 {
		opt.DialTimeout = c.opts.DialTimeout
	}
	client := redis.NewClient(opt)
	client.AddHook(connHook{logger: c.throttled, addr: opt.Addr})

	pingCtx := ctx
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err == nil {
		c.logger.Info(map[string]any{"addr": opt.Addr}, "Reverse cache connected")
	}

	c.client.Store(client)
	return nil
}

// Ready reports whether Open has succeeded and Close has not been called.
func (c *Cache) Ready() bool { return c.client.Load() != nil }

// Close disconnects. Safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	client := c.client.Swap(nil)
	if client == nil {
		return nil
	}
	return client.Close()
}

// RecursiveResolve follows key through the override table and redis until a
// key has no mapping, and returns that terminal value. An unmapped key
// resolves to itself. Chains longer than MaxHops or containing a cycle fail
// with ErrResolveDepthExceeded or ErrResolveLoop.
func (c *Cache) RecursiveResolve(ctx context.Context, key string) (string, error) {
	client := c.client.Load()
	if client == nil {
		return "", fmt.Errorf("%w: reverse cache not open", domain.ErrServiceUnavailable)
	}

	visited := map[string]struct{}{key: {}}
	cur := key
	for hops := 0; ; hops++ {
		next, found, err := c.next(ctx, client, cur)
		if err != nil {
			return "", err
		}
		if !found || next == cur {
			return cur, nil
		}
		if hops >= c.opts.MaxHops {
			c.logger.Warn(map[string]any{"key": key, "max_hops": c.opts.MaxHops}, "Reverse resolution chain too long")
			return "", fmt.Errorf("%w: %q after %d hops", ErrResolveDepthExceeded, key, hops)
		}
		if _, seen := visited[next]; seen {
			c.logger.Warn(map[string]any{"key": key, "repeat": next}, "Reverse resolution loop")
			return "", fmt.Errorf("%w: %q revisits %q", ErrResolveLoop, key, next)
		}
		visited[next] = struct{}{}
		cur = next
	}
}

func (c *Cache) next(ctx context.Context, client *redis.Client, key string) (string, bool, error) {
	if v, ok := c.overrides[key]; ok {
		return v, true, nil
	}
	v, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// connHook logs dial failures through a throttled logger so an outage
// produces one line per window instead of one per attempt.
type connHook struct {
	logger log.Logger
	addr   string
}

func (h connHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.logger.Error(map[string]any{"addr": h.addr, "error": err}, "Reverse cache connection error")
		}
		return conn, err
	}
}

func (h connHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h connHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

var _ redis.Hook = connHook{}
