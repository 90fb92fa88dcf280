package lookup

import (
	"context"
	"io"

	"github.com/haukened/rr-catd/internal/catd/domain"
	"github.com/haukened/rr-catd/internal/catd/repos/categorystore"
)

// CategoryStore is the persistent domain → category store.
type CategoryStore interface {
	AddHostName(ctx context.Context, hostname, category string) error
	LookupHostName(ctx context.Context, hostname, category string) (domain.LookupResult, error)
	DeleteHostName(ctx context.Context, hostname, category string) error
	DeleteCategory(ctx context.Context, category string) error
	ListCategories(ctx context.Context, hostname string) ([]string, error)
	Cleanup(ctx context.Context) error
}

// ReverseResolver chases IPs and aliases to terminal hostnames.
type ReverseResolver interface {
	Ready() bool
	RecursiveResolve(ctx context.Context, key string) (string, error)
}

// ResultCache is the local cache of lookup outcomes.
type ResultCache interface {
	Get(key string) (domain.CacheEntry, bool)
	Put(key string, entry domain.CacheEntry)
	Purge()
	Stats() domain.CacheStats
}

// Installer loads list archives.
type Installer interface {
	Spool(r io.Reader) (string, error)
	Discard(path string)
	InstallFile(ctx context.Context, path string) (categorystore.LoadStats, error)
	InstallURLs(ctx context.Context, urls []string) (categorystore.LoadStats, error)
}

// Exporter generates and locates list archives.
type Exporter interface {
	Generate(ctx context.Context) (domain.Artifact, error)
	Latest() (domain.Artifact, error)
}
