package categorystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

const defaultBatchSize = 8192

// Options configures a Store.
type Options struct {
	// Dialector opens the database during Init. Ignored when DB is set.
	Dialector gorm.Dialector
	// DB is an already opened connection (tests, embedding).
	DB *gorm.DB

	Logger    log.Logger
	Aliases   domain.CategoryAliases
	BatchSize int
	// Prefilter may be nil.
	Prefilter Prefilter

	// InitAttempts caps connection attempts; 0 retries until ctx is done.
	InitAttempts   int
	InitBackoff    time.Duration
	InitMaxBackoff time.Duration
}

// Store is the relational domain → category store.
type Store struct {
	db        atomic.Pointer[gorm.DB]
	opts      Options
	logger    log.Logger
	prefilter Prefilter

	// writeSem serializes bulk writes so batches from different sources never
	// interleave their transactions.
	writeSem *semaphore.Weighted

	// categoryIDs caches text → id; categories are never updated.
	categoryIDs sync.Map
}

// openFn is swapped in tests to simulate an unavailable database.
var openFn = func(d gorm.Dialector, cfg *gorm.Config) (*gorm.DB, error) {
	return gorm.Open(d, cfg)
}

// Dialector returns the gorm dialector for a configured driver.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// New returns an uninitialized Store. Call Init before use.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.InitBackoff <= 0 {
		opts.InitBackoff = time.Second
	}
	if opts.InitMaxBackoff < opts.InitBackoff {
		opts.InitMaxBackoff = opts.InitBackoff
	}
	return &Store{
		opts:      opts,
		logger:    opts.Logger,
		prefilter: opts.Prefilter,
		writeSem:  semaphore.NewWeighted(1),
	}
}

func (s *Store) gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log.GormWriter{Logger: s.logger}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Init connects and creates the schema if absent. Connection failures are
// retried with exponential backoff until success, InitAttempts is exhausted,
// or ctx is done. It blocks until one of those happens.
func (s *Store) Init(ctx context.Context) error {
	if s.db.Load() != nil {
		return nil
	}
	if s.opts.DB != nil {
		if err := s.opts.DB.WithContext(ctx).AutoMigrate(migrations()...); err != nil {
			return fmt.Errorf("%w: migrate: %v", domain.ErrStoreUnavailable, err)
		}
		s.db.Store(s.opts.DB)
		return nil
	}
	if s.opts.Dialector == nil {
		return errors.New("categorystore: no dialector or existing connection provided")
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		db, err := s.connect(ctx)
		if err == nil {
			s.db.Store(db)
			s.logger.Info(map[string]any{"attempt": attempt}, "Category store initialized")
			return nil
		}
		lastErr = err

		if s.opts.InitAttempts > 0 && attempt >= s.opts.InitAttempts {
			break
		}
		backoff := calcBackoff(s.opts.InitBackoff, s.opts.InitMaxBackoff, attempt)
		s.logger.Warn(map[string]any{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err,
		}, "Category store unavailable, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrStoreUnavailable, attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrStoreUnavailable, s.opts.InitAttempts, lastErr)
}

func (s *Store) connect(ctx context.Context) (*gorm.DB, error) {
	db, err := openFn(s.opts.Dialector, s.gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(migrations()...); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Ready reports whether Init has completed.
func (s *Store) Ready() bool { return s.db.Load() != nil }

// conn returns the live connection bound to ctx or ErrServiceUnavailable.
func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	db := s.db.Load()
	if db == nil {
		return nil, fmt.Errorf("%w: category store not initialized", domain.ErrServiceUnavailable)
	}
	return db.WithContext(ctx), nil
}

// Close releases the database connection. Safe to call more than once.
func (s *Store) Close() error {
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Cleanup drops and recreates the schema. Destructive.
func (s *Store) Cleanup(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writeSem.Release(1)

	if err := db.Migrator().DropTable(&domainRow{}, &categoryRow{}); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	if err := db.AutoMigrate(migrations()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.categoryIDs.Clear()
	if s.prefilter != nil {
		s.prefilter.Reset()
		s.prefilter.MarkReady()
	}
	s.logger.Warn(nil, "Category store wiped")
	return nil
}
