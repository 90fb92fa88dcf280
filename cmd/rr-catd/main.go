package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haukened/rr-catd/internal/catd/common/clock"
	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/config"
	"github.com/haukened/rr-catd/internal/catd/gateways/archive"
	"github.com/haukened/rr-catd/internal/catd/gateways/transport"
	"github.com/haukened/rr-catd/internal/catd/repos/artifacts"
	"github.com/haukened/rr-catd/internal/catd/repos/categorystore"
	"github.com/haukened/rr-catd/internal/catd/repos/categorystore/bloom"
	"github.com/haukened/rr-catd/internal/catd/repos/resultcache"
	"github.com/haukened/rr-catd/internal/catd/repos/reversecache"
	"github.com/haukened/rr-catd/internal/catd/services/export"
	"github.com/haukened/rr-catd/internal/catd/services/ingest"
	"github.com/haukened/rr-catd/internal/catd/services/lookup"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-catd"

	readHeaderTimeout = 10 * time.Second
)

// Application holds all the components of the categorization service.
type Application struct {
	config  *config.AppConfig
	server  *http.Server
	service *lookup.Service
	repos   *repositories
	addr    chan string
}

func main() {
	// Load configuration from defaults, optional file and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":      version,
		"env":          cfg.Env,
		"log_level":    cfg.Log.Level,
		"port":         cfg.HTTP.Port,
		"store_driver": cfg.Store.Driver,
		"cache_ttl":    cfg.Cache.TTL.String(),
		"cache_keys":   cfg.Cache.MaxKeys,
	}, "Starting "+appName)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	// Build application with all dependencies. Blocks until the store is
	// reachable or a signal arrives.
	app, err := buildApplication(ctx, cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// repositories holds all repository implementations
type repositories struct {
	store     *categorystore.Store
	reverse   *reversecache.Cache
	cache     *resultcache.Cache
	artifacts *artifacts.Store
}

// close releases repositories in reverse dependency order.
func (r *repositories) close() {
	if r.reverse != nil {
		if err := r.reverse.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error closing reverse cache")
		}
	}
	if r.artifacts != nil {
		if err := r.artifacts.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error closing artifact metadata")
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error closing category store")
		}
	}
}

// buildApplication constructs all components and wires them together
func buildApplication(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	// Create shared clock for consistent time across all components
	clk := clock.RealClock{}

	// Initialize logger (already configured globally)
	logger := log.GetLogger()

	// Build repository layer
	repos, err := buildRepositories(ctx, cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	// Build service layer
	svc, err := buildServices(cfg, repos, clk, logger)
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to build services: %w", err)
	}

	// Build transport layer
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           transport.New(svc, log.Component(logger, "http")),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &Application{
		config:  cfg,
		server:  server,
		service: svc,
		repos:   repos,
		addr:    make(chan string, 1),
	}, nil
}

// buildRepositories creates and configures all repository implementations
func buildRepositories(ctx context.Context, cfg *config.AppConfig, clk clock.Clock, logger log.Logger) (*repositories, error) {
	repos := &repositories{}

	// Persistent category store, optionally fronted by a bloom prefilter
	dialector, err := categorystore.Dialector(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	var prefilter categorystore.Prefilter
	if cfg.Store.Prefilter {
		prefilter = bloom.New(uint64(cfg.Store.PrefilterCapacity), cfg.Store.PrefilterFP)
	}
	repos.store = categorystore.New(categorystore.Options{
		Dialector:      dialector,
		Logger:         log.Component(logger, "store"),
		Aliases:        cfg.Aliases(),
		BatchSize:      cfg.Store.BatchSize,
		Prefilter:      prefilter,
		InitAttempts:   cfg.Store.InitAttempts,
		InitBackoff:    cfg.Store.InitBackoff,
		InitMaxBackoff: cfg.Store.InitMaxBackoff,
	})
	if err := repos.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize category store: %w", err)
	}
	log.Info(map[string]any{
		"driver":    cfg.Store.Driver,
		"prefilter": cfg.Store.Prefilter,
	}, "Category store configured")

	if prefilter != nil {
		go func() {
			if err := repos.store.WarmPrefilter(ctx); err != nil {
				log.Warn(map[string]any{"error": err}, "Prefilter hydration failed, lookups bypass it")
			}
		}()
	}

	// Reverse resolution cache; an unreachable server is not fatal
	repos.reverse = reversecache.New(reversecache.Options{
		URL:         cfg.Redis.URL,
		DialTimeout: cfg.Redis.DialTimeout,
		LogThrottle: cfg.Redis.LogThrottle,
		MaxHops:     cfg.Redis.MaxHops,
		Overrides:   cfg.OverrideTable(),
		Logger:      log.Component(logger, "reverse"),
	})
	if err := repos.reverse.Open(ctx); err != nil {
		log.Error(map[string]any{"error": err}, "Reverse cache disabled, IP lookups unavailable")
	}

	// Local result cache
	repos.cache, err = resultcache.New(resultcache.Options{
		MaxKeys: cfg.Cache.MaxKeys,
		TTL:     cfg.Cache.TTL,
		Clock:   clk,
		Logger:  log.Component(logger, "cache"),
	})
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}
	log.Info(map[string]any{
		"type": "LRU",
		"size": cfg.Cache.MaxKeys,
		"ttl":  cfg.Cache.TTL.String(),
	}, "Result cache configured")

	// Artifact metadata
	if err := os.MkdirAll(cfg.Lists.ArtifactDir, 0o755); err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	repos.artifacts, err = artifacts.Open(cfg.Lists.MetaDB)
	if err != nil {
		repos.close()
		return nil, err
	}

	return repos, nil
}

// buildServices creates the pipelines and the lookup service
func buildServices(cfg *config.AppConfig, repos *repositories, clk clock.Clock, logger log.Logger) (*lookup.Service, error) {
	installer, err := ingest.New(ingest.Options{
		Loader:               repos.store,
		ScratchDir:           cfg.Lists.ScratchDir,
		DownloadTimeout:      cfg.Lists.DownloadTimeout,
		MaxParallelDownloads: cfg.Lists.MaxParallelDownloads,
		ExtractLimits: archive.Limits{
			MaxBytes:   cfg.Lists.MaxExtractBytes,
			MaxEntries: cfg.Lists.MaxExtractEntries,
		},
		Logger: log.Component(logger, "ingest"),
	})
	if err != nil {
		return nil, err
	}

	exporter, err := export.New(export.Options{
		Source:      repos.store,
		Artifacts:   repos.artifacts,
		ArtifactDir: cfg.Lists.ArtifactDir,
		ScratchDir:  cfg.Lists.ScratchDir,
		BatchSize:   cfg.Store.BatchSize,
		Clock:       clk,
		Logger:      log.Component(logger, "export"),
	})
	if err != nil {
		return nil, err
	}

	return lookup.New(lookup.Options{
		Store:     repos.store,
		Reverse:   repos.reverse,
		Cache:     repos.cache,
		Installer: installer,
		Exporter:  exporter,
		Clock:     clk,
		Logger:    log.Component(logger, "lookup"),

		ResolveLogThrottle: cfg.Redis.LogThrottle,
	})
}

// Run serves HTTP and blocks until ctx is cancelled, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	defer app.repos.close()

	ln, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		app.service.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}
	app.addr <- ln.Addr().String()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.server.Serve(ln)
	}()

	log.Info(map[string]any{"address": ln.Addr().String()}, "HTTP server started")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	log.Info(nil, "Shutdown initiated")

	// Create shutdown context with timeout
	timeout := app.config.HTTP.ShutdownTimeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during HTTP shutdown")
	}

	// Cancel and wait for any bulk operation before closing the store
	done := make(chan struct{})
	go func() {
		app.service.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return runErr
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": timeout.String()}, "Shutdown timeout exceeded")
		return errors.New("shutdown timeout")
	}
}
