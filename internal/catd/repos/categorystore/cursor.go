package categorystore

import (
	"context"
	"fmt"
)

// Cursor streams the domains of one category in lexicographic order.
// It is forward-only and not safe for concurrent use.
type Cursor struct {
	store     *Store
	category  string
	batchSize int
	offset    int
	done      bool
}

// DumpCategoryDomains returns a cursor over category. batchSize <= 0 uses the
// store batch size.
func (s *Store) DumpCategoryDomains(category string, batchSize int) *Cursor {
	if batchSize <= 0 {
		batchSize = s.opts.BatchSize
	}
	return &Cursor{store: s, category: category, batchSize: batchSize}
}

// Next returns up to batchSize domains. An empty slice signals completion.
func (c *Cursor) Next(ctx context.Context) ([]string, error) {
	if c.done {
		return nil, nil
	}
	db, err := c.store.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	err = db.Table("domains").
		Joins("JOIN categories ON categories.id = domains.category_id").
		Where("categories.text = ?", c.category).
		Order("domains.domain").
		Offset(c.offset).
		Limit(c.batchSize).
		Pluck("domains.domain", &out).Error
	if err != nil {
		return nil, fmt.Errorf("dump %q at offset %d: %w", c.category, c.offset, err)
	}
	if len(out) == 0 {
		c.done = true
		return nil, nil
	}
	c.offset += len(out)
	return out, nil
}

// WarmPrefilter streams every stored domain into the prefilter and marks it
// ready. Lookups bypass the prefilter until this returns successfully.
func (s *Store) WarmPrefilter(ctx context.Context) error {
	if s.prefilter == nil {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	var (
		lastID uint
		count  int
	)
	for {
		var rows []domainRow
		err := db.Select("id", "domain").
			Where("id > ?", lastID).
			Order("id").
			Limit(s.opts.BatchSize).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("warm prefilter: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			s.prefilter.Add(r.Domain)
		}
		count += len(rows)
		lastID = rows[len(rows)-1].ID
	}
	s.prefilter.MarkReady()
	s.logger.Info(map[string]any{"domains": count}, "Prefilter ready")
	return nil
}
