package categorystore

// Prefilter is the optional negative filter consulted before querying the
// database. It must never report false for a stored domain once Ready.
type Prefilter interface {
	Add(name string)
	MightContain(name string) bool
	Ready() bool
	MarkReady()
	Reset()
}

// LoadStats summarizes a bulk load.
type LoadStats struct {
	Files         int   // domains files processed
	Lines         int   // lines read
	Unique        int   // distinct valid domains after dedupe
	Skipped       int   // invalid or duplicate lines
	Inserted      int64 // rows actually inserted (conflicts excluded)
	FailedBatches int   // batches whose transaction failed
}

// Merge adds o into s.
func (s *LoadStats) Merge(o LoadStats) {
	s.Files += o.Files
	s.Lines += o.Lines
	s.Unique += o.Unique
	s.Skipped += o.Skipped
	s.Inserted += o.Inserted
	s.FailedBatches += o.FailedBatches
}

// Fields renders the stats as log fields.
func (s LoadStats) Fields() map[string]any {
	return map[string]any{
		"files":          s.Files,
		"lines":          s.Lines,
		"unique":         s.Unique,
		"skipped":        s.Skipped,
		"inserted":       s.Inserted,
		"failed_batches": s.FailedBatches,
	}
}
