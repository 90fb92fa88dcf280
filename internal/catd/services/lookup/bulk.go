package lookup

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/haukened/rr-catd/internal/catd/domain"
)

// InstallFromUpload spools r and loads it in the background. It returns once
// the upload is spooled, or domain.ErrConflict if a bulk operation is running.
func (s *Service) InstallFromUpload(r io.Reader) error {
	if s.installer == nil {
		return fmt.Errorf("%w: list installer not configured", domain.ErrServiceUnavailable)
	}
	if !s.bulkOpLock.TryLock() {
		return domain.ErrConflict
	}
	path, err := s.installer.Spool(r)
	if err != nil {
		s.bulkOpLock.Unlock()
		return err
	}
	s.startBulk(domain.StateLoading, func(ctx context.Context) error {
		defer s.installer.Discard(path)
		stats, err := s.installer.InstallFile(ctx, path)
		s.cache.Purge()
		s.logger.Info(stats.Fields(), "Upload install finished")
		return err
	})
	return nil
}

// InstallFromURL downloads and loads one or more archives in the background.
func (s *Service) InstallFromURL(urls ...string) error {
	if s.installer == nil {
		return fmt.Errorf("%w: list installer not configured", domain.ErrServiceUnavailable)
	}
	if len(urls) == 0 {
		return fmt.Errorf("%w: at least one url is required", domain.ErrInvalidInput)
	}
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: bad url %q", domain.ErrInvalidInput, u)
		}
	}
	if !s.bulkOpLock.TryLock() {
		return domain.ErrConflict
	}
	s.startBulk(domain.StateLoading, func(ctx context.Context) error {
		stats, err := s.installer.InstallURLs(ctx, urls)
		s.cache.Purge()
		s.logger.Info(stats.Fields(), "URL install finished")
		return err
	})
	return nil
}

// GenerateLists exports the store into a new archive in the background.
func (s *Service) GenerateLists() error {
	if s.exporter == nil {
		return fmt.Errorf("%w: list exporter not configured", domain.ErrServiceUnavailable)
	}
	if !s.bulkOpLock.TryLock() {
		return domain.ErrConflict
	}
	s.startBulk(domain.StateGenerating, func(ctx context.Context) error {
		_, err := s.exporter.Generate(ctx)
		return err
	})
	return nil
}

// Download returns the last generated artifact or domain.ErrNotFound.
func (s *Service) Download() (domain.Artifact, error) {
	if s.exporter == nil {
		return domain.Artifact{}, fmt.Errorf("%w: no artifact generated", domain.ErrNotFound)
	}
	return s.exporter.Latest()
}

// State returns a snapshot of the bulk operation state, the last artifact and
// the local cache counters.
func (s *Service) State() domain.IngestionState {
	s.stateMu.RLock()
	st := s.state
	s.stateMu.RUnlock()
	if a, err := s.Download(); err == nil {
		st.Artifact = &a
	}
	stats := s.cache.Stats()
	st.Cache = &stats
	return st
}

// Wait blocks until no bulk operation is running.
func (s *Service) Wait() { s.wg.Wait() }

// startBulk must be called with bulkOpLock held. It runs fn in the background
// and releases the lock when fn returns, whatever the outcome.
func (s *Service) startBulk(state domain.BulkState, fn func(ctx context.Context) error) {
	s.setState(func(st *domain.IngestionState) {
		st.State = state
		st.StartedAt = s.clock.Now()
		st.LastError = ""
	})
	s.logger.Info(map[string]any{"state": state.String()}, "Bulk operation started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.bulkOpLock.Unlock()

		err := s.runBulk(fn)
		s.setState(func(st *domain.IngestionState) {
			st.State = domain.StateIdle
			if err != nil {
				st.LastError = err.Error()
			}
		})
		if err != nil {
			s.logger.Error(map[string]any{"state": state.String(), "error": err}, "Bulk operation failed")
			return
		}
		s.logger.Info(map[string]any{"state": state.String()}, "Bulk operation finished")
	}()
}

func (s *Service) runBulk(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bulk operation panicked: %v", r)
		}
	}()
	return fn(s.baseCtx)
}

func (s *Service) setState(mutate func(*domain.IngestionState)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	mutate(&s.state)
}
