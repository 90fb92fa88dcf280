// Package ingest turns uploaded or downloaded list archives into category
// store rows.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
	"github.com/haukened/rr-catd/internal/catd/gateways/archive"
	"github.com/haukened/rr-catd/internal/catd/repos/categorystore"
)

// Loader loads an extracted list tree.
type Loader interface {
	LoadDomainsDirectory(ctx context.Context, root string) (categorystore.LoadStats, error)
}

// Options configures a Pipeline.
type Options struct {
	Loader     Loader
	ScratchDir string
	// HTTPClient downloads remote archives. Defaults to a client with
	// DownloadTimeout.
	HTTPClient           *http.Client
	DownloadTimeout      time.Duration
	MaxParallelDownloads int
	// ExtractLimits bound the uncompressed size of every installed archive.
	ExtractLimits archive.Limits
	Logger        log.Logger
}

// Pipeline extracts archives into scratch space and loads them.
type Pipeline struct {
	loader      Loader
	scratchDir  string
	client      *http.Client
	maxParallel int
	limits      archive.Limits
	logger      log.Logger
}

// New returns a Pipeline. The scratch directory is created if missing.
func New(opts Options) (*Pipeline, error) {
	if opts.Loader == nil {
		return nil, errors.New("ingest: loader is required")
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.DownloadTimeout}
	}
	if opts.MaxParallelDownloads <= 0 {
		opts.MaxParallelDownloads = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Pipeline{
		loader:      opts.Loader,
		scratchDir:  opts.ScratchDir,
		client:      opts.HTTPClient,
		maxParallel: opts.MaxParallelDownloads,
		limits:      opts.ExtractLimits,
		logger:      opts.Logger,
	}, nil
}

// Spool copies r into a scratch file and returns its path. The caller owns
// the file and should pass it to InstallFile or Discard.
func (p *Pipeline) Spool(r io.Reader) (string, error) {
	f, err := os.CreateTemp(p.scratchDir, "upload-*.tar")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return f.Name(), nil
}

// Discard removes a spooled file.
func (p *Pipeline) Discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn(map[string]any{"path": path, "error": err}, "Failed to remove scratch file")
	}
}

// InstallFile extracts the archive at path into a scratch directory, descends
// into its single top-level directory if there is one, and loads the tree.
// Scratch files are removed on every exit path; the archive itself is not.
func (p *Pipeline) InstallFile(ctx context.Context, path string) (categorystore.LoadStats, error) {
	dir, err := os.MkdirTemp(p.scratchDir, "extract-*")
	if err != nil {
		return categorystore.LoadStats{}, fmt.Errorf("create extract dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn(map[string]any{"path": dir, "error": err}, "Failed to remove extract dir")
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return categorystore.LoadStats{}, fmt.Errorf("open archive: %w", err)
	}
	err = archive.Extract(f, dir, p.limits)
	f.Close()
	if err != nil {
		return categorystore.LoadStats{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	root, err := archive.ListRoot(dir, categorystore.ListFileName)
	if err != nil {
		return categorystore.LoadStats{}, err
	}
	return p.loader.LoadDomainsDirectory(ctx, root)
}

// InstallURLs downloads every archive concurrently and loads each as soon as
// it arrives. The loader serializes store writes, so sources never interleave
// batches. A failing source does not stop the others; all failures are
// returned joined.
func (p *Pipeline) InstallURLs(ctx context.Context, urls []string) (categorystore.LoadStats, error) {
	var (
		mu    sync.Mutex
		total categorystore.LoadStats
		errs  []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for _, u := range urls {
		g.Go(func() error {
			stats, err := p.installURL(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			total.Merge(stats)
			if err != nil {
				p.logger.Error(map[string]any{"url": u, "error": err}, "List source failed")
				errs = append(errs, fmt.Errorf("%s: %w", u, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

func (p *Pipeline) installURL(ctx context.Context, url string) (categorystore.LoadStats, error) {
	path, err := p.download(ctx, url)
	if err != nil {
		return categorystore.LoadStats{}, err
	}
	defer p.Discard(path)

	p.logger.Info(map[string]any{"url": url}, "Downloaded list archive")
	return p.InstallFile(ctx, path)
}

func (p *Pipeline) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", domain.ErrInvalidInput, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("download: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return p.Spool(resp.Body)
}
