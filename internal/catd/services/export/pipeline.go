// Package export generates list archives from the category store.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haukened/rr-catd/internal/catd/common/clock"
	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
	"github.com/haukened/rr-catd/internal/catd/gateways/archive"
	"github.com/haukened/rr-catd/internal/catd/repos/categorystore"
)

// Source enumerates and streams stored categories.
type Source interface {
	ListCategories(ctx context.Context, hostname string) ([]string, error)
	DumpCategoryDomains(category string, batchSize int) *categorystore.Cursor
}

// ArtifactStore records the current artifact.
type ArtifactStore interface {
	Last() (domain.Artifact, error)
	Replace(a domain.Artifact) (prev domain.Artifact, hadPrev bool, err error)
}

// Options configures a Pipeline.
type Options struct {
	Source      Source
	Artifacts   ArtifactStore
	ArtifactDir string
	ScratchDir  string
	BatchSize   int
	Clock       clock.Clock
	Logger      log.Logger
}

// ArchiveRoot is the top-level directory of generated archives.
const ArchiveRoot = "lists"

// Pipeline writes every category to a tree of "domains" files and archives it.
type Pipeline struct {
	opts Options
}

// New returns a Pipeline. Artifact and scratch directories are created if
// missing.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil || opts.Artifacts == nil {
		return nil, errors.New("export: source and artifact store are required")
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	for _, dir := range []string{opts.ArtifactDir, opts.ScratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Pipeline{opts: opts}, nil
}

// Generate dumps the store into a fresh archive and makes it the current
// artifact. The previous artifact is deleted only after the new one is
// recorded; on any failure the previous artifact stays current.
func (p *Pipeline) Generate(ctx context.Context) (domain.Artifact, error) {
	tree, err := os.MkdirTemp(p.opts.ScratchDir, "export-*")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("create export dir: %w", err)
	}
	defer os.RemoveAll(tree)
	root := filepath.Join(tree, ArchiveRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return domain.Artifact{}, err
	}

	categories, err := p.opts.Source.ListCategories(ctx, "")
	if err != nil {
		return domain.Artifact{}, err
	}
	var total int
	for _, category := range categories {
		n, err := p.dumpCategory(ctx, root, category)
		if err != nil {
			return domain.Artifact{}, fmt.Errorf("dump %q: %w", category, err)
		}
		total += n
	}

	now := p.opts.Clock.Now().UTC()
	final := filepath.Join(p.opts.ArtifactDir, fmt.Sprintf("lists-%s.tar.gz", now.Format("20060102T150405.000000000Z")))
	size, err := p.writeArchive(tree, final)
	if err != nil {
		return domain.Artifact{}, err
	}

	a := domain.Artifact{Path: final, GeneratedAt: now, Size: size}
	prev, hadPrev, err := p.opts.Artifacts.Replace(a)
	if err != nil {
		_ = os.Remove(final)
		return domain.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	if hadPrev && prev.Path != final {
		if err := os.Remove(prev.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.opts.Logger.Warn(map[string]any{"path": prev.Path, "error": err}, "Failed to remove previous artifact")
		}
	}

	p.opts.Logger.Info(map[string]any{
		"path":       final,
		"categories": len(categories),
		"domains":    total,
		"size":       size,
	}, "Generated list archive")
	return a, nil
}

// Latest returns the current artifact, or domain.ErrNotFound if none has been
// generated or its file is gone.
func (p *Pipeline) Latest() (domain.Artifact, error) {
	a, err := p.opts.Artifacts.Last()
	if err != nil {
		return domain.Artifact{}, err
	}
	if _, err := os.Stat(a.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Artifact{}, fmt.Errorf("%w: artifact file missing", domain.ErrNotFound)
		}
		return domain.Artifact{}, err
	}
	return a, nil
}

func (p *Pipeline) dumpCategory(ctx context.Context, root, category string) (int, error) {
	if err := domain.ValidateCategory(category); err != nil {
		return 0, err
	}
	dir := filepath.Join(root, filepath.FromSlash(category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(filepath.Join(dir, categorystore.ListFileName))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	cur := p.opts.Source.DumpCategoryDomains(category, p.opts.BatchSize)
	var n int
	for {
		page, err := cur.Next(ctx)
		if err != nil {
			return n, err
		}
		if len(page) == 0 {
			break
		}
		for _, d := range page {
			if _, err := w.WriteString(d + "\n"); err != nil {
				return n, err
			}
		}
		n += len(page)
	}
	if err := w.Flush(); err != nil {
		return n, err
	}
	return n, f.Close()
}

// writeArchive builds the archive in a temp file next to final and renames it
// into place.
func (p *Pipeline) writeArchive(tree, final string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(final), ".lists-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := archive.WriteTarGz(tmp, tree); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return 0, fmt.Errorf("replace file: %w", err)
	}
	return info.Size(), nil
}
