package categorystore

// categoryRow is a category. Text is unique and may contain '/' separated
// path segments.
type categoryRow struct {
	ID   uint   `gorm:"primaryKey"`
	Text string `gorm:"size:255;not null;uniqueIndex"`
}

func (categoryRow) TableName() string { return "categories" }

// domainRow associates a domain with exactly one category. The pair is
// unique; the composite index also serves suffix lookups by domain.
type domainRow struct {
	ID         uint   `gorm:"primaryKey"`
	Domain     string `gorm:"size:128;not null;uniqueIndex:idx_domain_category,priority:1"`
	CategoryID uint   `gorm:"not null;uniqueIndex:idx_domain_category,priority:2;index"`
}

func (domainRow) TableName() string { return "domains" }

// matchRow is a joined (domain, category) result.
type matchRow struct {
	Domain   string
	Category string
}

func migrations() []any {
	return []any{&categoryRow{}, &domainRow{}}
}
