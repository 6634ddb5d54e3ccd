package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/interfaces"
)

// Sweeper deletes expired artifact rows and files, removes runs past the
// retention window, and prunes empty directories under the root
type Sweeper struct {
	store   *Store
	runs    interfaces.RunStorage
	logger  arbor.ILogger
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewSweeper creates a retention sweeper over the artifact store
func NewSweeper(store *Store, runs interfaces.RunStorage, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		store:  store,
		runs:   runs,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the nightly sweep
func (s *Sweeper) Start() error {
	entryID, err := s.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.entryID = entryID
	s.cron.Start()
	s.logger.Info().Int("retention_days", s.store.retentionDays).Msg("Retention sweeper scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Sweep runs one retention pass. Each failure is logged and skipped so
// one bad row never stalls the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.store.storage.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed to list expired artifacts")
		return
	}

	removed := 0
	for _, artifact := range expired {
		absPath := filepath.Join(s.store.root, artifact.Path)
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", artifact.Path).Msg("Failed to remove artifact file")
			continue
		}
		if err := s.store.storage.DeleteArtifact(ctx, artifact.ID); err != nil {
			s.logger.Warn().Err(err).Str("artifact_id", artifact.ID).Msg("Failed to delete artifact row")
			continue
		}
		removed++
	}

	cutoff := now.AddDate(0, 0, -s.store.retentionDays)
	deletedRuns, err := s.runs.DeleteRunsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed to delete old runs")
	}

	pruned := s.pruneEmptyDirs()

	s.logger.Info().
		Int("artifacts_removed", removed).
		Int64("runs_deleted", deletedRuns).
		Int("dirs_pruned", pruned).
		Msg("Retention sweep finished")
}

// pruneEmptyDirs removes empty directories under the root, deepest
// first, leaving the root itself in place
func (s *Sweeper) pruneEmptyDirs() int {
	var dirs []string
	filepath.Walk(s.store.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != s.store.root {
			dirs = append(dirs, path)
		}
		return nil
	})

	pruned := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err == nil {
			pruned++
		}
	}
	return pruned
}
