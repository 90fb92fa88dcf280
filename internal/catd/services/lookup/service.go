// Package lookup is the public surface of the categorization engine. It
// composes the local cache, the reverse resolver and the category store into
// the read path, and serializes bulk list operations.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/rr-catd/internal/catd/common/clock"
	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/common/utils"
	"github.com/haukened/rr-catd/internal/catd/domain"
	"github.com/haukened/rr-catd/internal/catd/repos/resultcache"
)

// Options wires a Service. Reverse may be nil when no remote cache is
// configured; IP lookups then fail with domain.ErrServiceUnavailable.
type Options struct {
	Store     CategoryStore
	Reverse   ReverseResolver
	Cache     ResultCache
	Installer Installer
	Exporter  Exporter
	Clock     clock.Clock
	Logger    log.Logger

	// ResolveLogThrottle is the minimum interval between repeated reverse
	// resolution failure logs. Zero logs every failure.
	ResolveLogThrottle time.Duration
}

// Service answers lookups and runs administrative operations.
type Service struct {
	store     CategoryStore
	reverse   ReverseResolver
	cache     ResultCache
	installer Installer
	exporter  Exporter
	clock     clock.Clock
	logger    log.Logger
	// resolveLog is throttled to one line per failure message and interval.
	resolveLog log.Logger

	flight singleflight.Group

	// bulkOpLock is held for the full duration of an install or generate,
	// including the background phase. state is only written while holding
	// it; stateMu guards reads from other goroutines.
	bulkOpLock sync.Mutex
	stateMu    sync.RWMutex
	state      domain.IngestionState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Service. Store and Cache are required.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Cache == nil {
		return nil, errors.New("lookup: store and cache are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      opts.Store,
		reverse:    opts.Reverse,
		cache:      opts.Cache,
		installer:  opts.Installer,
		exporter:   opts.Exporter,
		clock:      opts.Clock,
		logger:     opts.Logger,
		resolveLog: log.NewThrottled(opts.Logger, opts.ResolveLogThrottle),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// LookupByHostname reports whether hostname, or its most specific stored
// suffix, belongs to category. category may be domain.AnyCategory. Store
// failures are logged and reported as a miss.
func (s *Service) LookupByHostname(ctx context.Context, hostname, category string) (domain.LookupResult, error) {
	if strings.TrimSpace(hostname) == "" || category == "" {
		return domain.NoMatch(), fmt.Errorf("%w: hostname and category are required", domain.ErrInvalidInput)
	}
	return s.lookupHost(ctx, utils.CanonicalHostname(hostname), category), nil
}

func (s *Service) lookupHost(ctx context.Context, host, category string) domain.LookupResult {
	key := resultcache.Key(host, category)
	if entry, ok := s.cache.Get(key); ok {
		return entry.Result()
	}
	// Followers share the leader's result, so the leader's cancellation must
	// not reach the store.
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := s.flight.Do("host|"+key, func() (any, error) {
		res, err := s.store.LookupHostName(flightCtx, host, category)
		if err != nil {
			s.logger.Error(map[string]any{"hostname": host, "category": category, "error": err}, "Category lookup failed")
			return domain.NoMatch(), nil
		}
		s.cache.Put(key, domain.EntryFor(res))
		return res, nil
	})
	return v.(domain.LookupResult)
}

// LookupByIP reverse-resolves ip to a hostname and looks that up. An IP
// without a reverse mapping matches only the synthetic ip_miss category.
func (s *Service) LookupByIP(ctx context.Context, ip, category string) (domain.LookupResult, error) {
	if s.reverse == nil || !s.reverse.Ready() {
		return domain.NoMatch(), fmt.Errorf("%w: reverse cache not initialized", domain.ErrServiceUnavailable)
	}
	ip = strings.TrimSpace(ip)
	if ip == "" || category == "" {
		return domain.NoMatch(), fmt.Errorf("%w: ip and category are required", domain.ErrInvalidInput)
	}

	key := resultcache.Key(ip, category)
	if entry, ok := s.cache.Get(key); ok {
		return entry.Result(), nil
	}
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := s.flight.Do("ip|"+key, func() (any, error) {
		resolved, err := s.reverse.RecursiveResolve(flightCtx, ip)
		if err != nil {
			s.resolveLog.Warn(map[string]any{"ip": ip, "error": err}, "Reverse resolution failed")
			return domain.NoMatch(), nil
		}

		var res domain.LookupResult
		switch {
		case resolved != ip:
			res = s.lookupHost(flightCtx, utils.CanonicalHostname(resolved), category)
		case category == domain.IPMissCategory:
			res = domain.Matched(domain.Record{IP: ip, Category: domain.IPMissCategory})
		default:
			res = domain.NoMatch()
		}
		s.cache.Put(key, domain.EntryFor(res))
		return res, nil
	})
	return v.(domain.LookupResult), nil
}

// AddHostEntry stores hostname under category and purges the local cache.
func (s *Service) AddHostEntry(ctx context.Context, hostname, category string) error {
	if err := s.store.AddHostName(ctx, hostname, category); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// DeleteHostEntry removes hostname from category and purges the local cache.
func (s *Service) DeleteHostEntry(ctx context.Context, hostname, category string) error {
	if err := s.store.DeleteHostName(ctx, hostname, category); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// ListCategories lists every category, or those attached to hostname's most
// specific matching suffix.
func (s *Service) ListCategories(ctx context.Context, hostname string) ([]string, error) {
	return s.store.ListCategories(ctx, hostname)
}

// DeleteCategory removes a category with all its domains.
func (s *Service) DeleteCategory(ctx context.Context, category string) error {
	if err := s.store.DeleteCategory(ctx, category); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Cleanup wipes the store. It is refused while a bulk operation runs.
func (s *Service) Cleanup(ctx context.Context) error {
	if !s.bulkOpLock.TryLock() {
		return domain.ErrConflict
	}
	defer s.bulkOpLock.Unlock()
	if err := s.store.Cleanup(ctx); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Close cancels running bulk operations and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
