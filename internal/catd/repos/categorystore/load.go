package categorystore

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haukened/rr-catd/internal/catd/common/utils"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

// ListFileName is the file that defines a category inside a list tree.
const ListFileName = "domains"

// LoadDomainsFile bulk loads a newline-delimited domain list into category.
// The category name is normalized through the configured alias table.
// Loading is best-effort: a failed batch is logged and the rest continue.
func (s *Store) LoadDomainsFile(ctx context.Context, path, category string) (LoadStats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return LoadStats{}, err
	}
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return LoadStats{}, err
	}
	defer s.writeSem.Release(1)
	return s.loadFile(ctx, db, path, category)
}

// LoadDomainsDirectory walks root and loads every file named "domains". The
// category of each file is the slash-joined directory path between root and
// the file. Files are loaded sequentially while holding the store-write lock.
func (s *Store) LoadDomainsDirectory(ctx context.Context, root string) (LoadStats, error) {
	var total LoadStats
	db, err := s.conn(ctx)
	if err != nil {
		return total, err
	}
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return total, err
	}
	defer s.writeSem.Release(1)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ListFileName {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		if rel == "." {
			s.logger.Warn(map[string]any{"path": path}, "Skipping domains file at list root: no category")
			return nil
		}
		stats, err := s.loadFile(ctx, db, path, filepath.ToSlash(rel))
		total.Merge(stats)
		if err != nil {
			s.logger.Error(map[string]any{"path": path, "error": err}, "Failed to load domains file")
		}
		return nil
	})
	s.logger.Info(total.Fields(), "Loaded list directory")
	return total, err
}

func (s *Store) loadFile(ctx context.Context, db *gorm.DB, path, category string) (LoadStats, error) {
	stats := LoadStats{Files: 1}
	category, err := s.canonicalCategory(category)
	if err != nil {
		return stats, err
	}

	names, err := readDomains(path, &stats)
	if err != nil {
		return stats, err
	}
	id, err := s.categoryID(db, category, true)
	if err != nil {
		return stats, err
	}

	batch := make([]domainRow, 0, min(len(names), s.opts.BatchSize))
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch)
			if res.Error != nil {
				return res.Error
			}
			stats.Inserted += res.RowsAffected
			return nil
		})
		if err != nil {
			stats.FailedBatches++
			s.logger.Error(map[string]any{
				"category": category,
				"size":     len(batch),
				"error":    err,
			}, "Batch insert failed, continuing")
		}
		batch = batch[:0]
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if s.prefilter != nil {
			s.prefilter.Add(name)
		}
		batch = append(batch, domainRow{Domain: name, CategoryID: id})
		if len(batch) == s.opts.BatchSize {
			flush()
		}
	}
	flush()

	fields := stats.Fields()
	fields["category"] = category
	s.logger.Debug(fields, "Loaded domains file")
	return stats, nil
}

// readDomains parses a plain or hosts-style list, returning canonical, valid,
// deduplicated hostnames in file order.
func readDomains(path string, stats *LoadStats) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		stats.Lines++
		host := fields[0]
		if len(fields) > 1 && net.ParseIP(fields[0]) != nil {
			host = fields[1]
		}
		host = utils.CanonicalHostname(host)
		if domain.ValidateHostname(host) != nil {
			stats.Skipped++
			continue
		}
		if _, dup := seen[host]; dup {
			stats.Skipped++
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read %s: %w", path, err)
	}
	stats.Unique = len(out)
	return out, nil
}
