package categorystore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haukened/rr-catd/internal/catd/common/utils"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

// AddHostName stores hostname under category. Re-adding an existing pair is a
// no-op. The hostname is canonicalized and the category passed through the
// alias table before validation.
func (s *Store) AddHostName(ctx context.Context, hostname, category string) error {
	name := utils.CanonicalHostname(hostname)
	if err := domain.ValidateHostname(name); err != nil {
		return err
	}
	category, err := s.canonicalCategory(category)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	id, err := s.categoryID(db, category, true)
	if err != nil {
		return err
	}
	row := domainRow{Domain: name, CategoryID: id}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("insert domain %q: %w", name, err)
	}
	if s.prefilter != nil {
		s.prefilter.Add(name)
	}
	return nil
}

// LookupHostName walks the suffixes of hostname from most to least specific
// and returns the first stored (domain, category) pair. category may be
// domain.AnyCategory. When several categories hold the winning suffix, the
// lexicographically smallest category is returned. A miss is not an error.
func (s *Store) LookupHostName(ctx context.Context, hostname, category string) (domain.LookupResult, error) {
	suffixes := s.candidates(hostname)
	if len(suffixes) == 0 {
		return domain.NoMatch(), nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return domain.NoMatch(), err
	}

	q := matchQuery(db, suffixes)
	if category != domain.AnyCategory {
		q = q.Where("categories.text = ?", s.opts.Aliases.Normalize(category))
	}
	var rows []matchRow
	if err := q.Scan(&rows).Error; err != nil {
		return domain.NoMatch(), fmt.Errorf("lookup %q: %w", hostname, err)
	}

	level, matches := mostSpecific(suffixes, rows)
	if level == "" {
		return domain.NoMatch(), nil
	}
	return domain.Matched(domain.Record{Domain: level, Category: matches[0]}), nil
}

// ListCategories returns every category name when hostname is empty.
// Otherwise it returns all categories attached to the most specific suffix
// of hostname that has any match.
func (s *Store) ListCategories(ctx context.Context, hostname string) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if hostname == "" {
		var names []string
		if err := db.Model(&categoryRow{}).Order("text").Pluck("text", &names).Error; err != nil {
			return nil, fmt.Errorf("list categories: %w", err)
		}
		return names, nil
	}

	suffixes := s.candidates(hostname)
	if len(suffixes) == 0 {
		return []string{}, nil
	}
	var rows []matchRow
	if err := matchQuery(db, suffixes).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list categories for %q: %w", hostname, err)
	}
	_, matches := mostSpecific(suffixes, rows)
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}

// DeleteHostName removes hostname from category, or from every category when
// category is domain.AnyCategory. Absent rows are not an error.
func (s *Store) DeleteHostName(ctx context.Context, hostname, category string) error {
	name := utils.CanonicalHostname(hostname)
	if err := domain.ValidateHostname(name); err != nil {
		return err
	}
	if category != domain.AnyCategory {
		var err error
		if category, err = s.canonicalCategory(category); err != nil {
			return err
		}
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	q := db.Where("domain = ?", name)
	if category != domain.AnyCategory {
		id, err := s.categoryID(db, category, false)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		q = q.Where("category_id = ?", id)
	}
	if err := q.Delete(&domainRow{}).Error; err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

// DeleteCategory removes category and all of its domains in one transaction.
// Deleting an unknown category is not an error. It waits for running bulk
// loads, which hold the category id for their whole duration.
func (s *Store) DeleteCategory(ctx context.Context, category string) error {
	category, err := s.canonicalCategory(category)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writeSem.Release(1)

	err = db.Transaction(func(tx *gorm.DB) error {
		var row categoryRow
		if err := tx.Where("text = ?", category).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("category_id = ?", row.ID).Delete(&domainRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
	s.categoryIDs.Delete(category)
	if err != nil {
		return fmt.Errorf("delete category %q: %w", category, err)
	}
	return nil
}

// canonicalCategory maps category through the alias table and validates it.
func (s *Store) canonicalCategory(category string) (string, error) {
	category = s.opts.Aliases.Normalize(category)
	if err := domain.ValidateCategory(category); err != nil {
		return "", err
	}
	return category, nil
}

// candidates canonicalizes hostname and returns its suffixes, or nil when the
// prefilter proves none of them is stored.
func (s *Store) candidates(hostname string) []string {
	suffixes := utils.Suffixes(utils.CanonicalHostname(hostname))
	if len(suffixes) == 0 || s.prefilter == nil || !s.prefilter.Ready() {
		return suffixes
	}
	for _, sfx := range suffixes {
		if s.prefilter.MightContain(sfx) {
			return suffixes
		}
	}
	return nil
}

// categoryID resolves a category name to its id, creating the row when create
// is set. Missing rows yield gorm.ErrRecordNotFound.
func (s *Store) categoryID(db *gorm.DB, text string, create bool) (uint, error) {
	if v, ok := s.categoryIDs.Load(text); ok {
		return v.(uint), nil
	}
	if create {
		row := categoryRow{Text: text}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return 0, fmt.Errorf("insert category %q: %w", text, err)
		}
	}
	var row categoryRow
	if err := db.Where("text = ?", text).Take(&row).Error; err != nil {
		return 0, err
	}
	s.categoryIDs.Store(text, row.ID)
	return row.ID, nil
}

func matchQuery(db *gorm.DB, suffixes []string) *gorm.DB {
	return db.Table("domains").
		Select("domains.domain AS domain, categories.text AS category").
		Joins("JOIN categories ON categories.id = domains.category_id").
		Where("domains.domain IN ?", suffixes)
}

// mostSpecific picks the first suffix, in walk order, that appears in rows and
// returns it with its sorted categories.
func mostSpecific(suffixes []string, rows []matchRow) (string, []string) {
	if len(rows) == 0 {
		return "", nil
	}
	byDomain := make(map[string][]string, len(rows))
	for _, r := range rows {
		byDomain[r.Domain] = append(byDomain[r.Domain], r.Category)
	}
	for _, sfx := range suffixes {
		if cats, ok := byDomain[sfx]; ok {
			sort.Strings(cats)
			return sfx, cats
		}
	}
	return "", nil
}
