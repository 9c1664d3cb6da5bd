// Package janitor sweeps the runtime tree on a cron schedule, deleting
// terminal job directories past the retention window and evicting their
// in-memory and archived records.
package janitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/archive"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
)

// Service runs the retention sweep.
type Service struct {
	config  common.JanitorConfig
	store   *jobs.Store
	archive *archive.Store
	cron    *cron.Cron
	logger  arbor.ILogger

	mu       sync.Mutex
	sweeping bool
}

func NewService(config common.JanitorConfig, store *jobs.Store, archiveStore *archive.Store, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		store:   store,
		archive: archiveStore,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start registers the sweep and starts the cron loop. Disabled config
// is a no-op.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Retention janitor disabled")
		return nil
	}

	schedule := s.config.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return fmt.Errorf("failed to register janitor sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Str("max_age", s.config.MaxAgeDuration().String()).
		Msg("Retention janitor started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// runSweep is the cron entrypoint: panic-protected and skipped when a
// previous sweep is still running.
func (s *Service) runSweep() {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Warn().Msg("Janitor sweep still running, skipping this tick")
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Janitor sweep panicked")
		}
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	removed, err := s.Sweep(time.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Janitor sweep finished with errors")
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Janitor sweep removed expired jobs")
	}
}

// Sweep removes terminal job directories older than the retention
// window, relative to now. It returns the number of directories
// removed; per-directory failures are logged and do not stop the sweep.
func (s *Service) Sweep(now time.Time) (int, error) {
	assetsRoot := s.store.AssetsRoot()
	entries, err := os.ReadDir(assetsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read assets root: %w", err)
	}

	cutoff := now.Add(-s.config.MaxAgeDuration())
	removed := 0
	var firstErr error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		if !s.expired(jobID, entry, cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(assetsRoot, jobID)); err != nil {
			s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to remove expired job directory")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.store.Evict(jobID)
		if s.archive != nil {
			if err := s.archive.Delete(jobID); err != nil {
				s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to prune archived job")
			}
		}
		removed++
	}
	return removed, firstErr
}

// expired reports whether the job directory is past retention and safe
// to delete. Live jobs are never expired regardless of directory age.
func (s *Service) expired(jobID string, entry os.DirEntry, cutoff time.Time) bool {
	if job, err := s.store.Get(jobID); err == nil && !job.Status.IsTerminal() {
		return false
	}

	age := dirModTime(entry)
	if manifest, err := jobfs.ReadManifest(s.store.AssetsRoot(), jobID); err == nil {
		status, _ := manifest["status"].(string)
		if !models.JobStatus(status).IsTerminal() {
			return false
		}
	}
	return age.Before(cutoff)
}

func dirModTime(entry os.DirEntry) time.Time {
	info, err := entry.Info()
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}
