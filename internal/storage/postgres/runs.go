package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// RunStore persists runs
type RunStore struct {
	db *sqlx.DB
}

// CreateRun inserts a new run row
func (s *RunStore) CreateRun(ctx context.Context, run *models.Run) error {
	const query = `
		INSERT INTO runs (id, status, run_type, submitted_at, url_count, finding_count, payload, error)
		VALUES (:id, :status, :run_type, :submitted_at, :url_count, :finding_count, :payload, :error)`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run by id
func (s *RunStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := s.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns runs newest-first
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	runs := []models.Run{}
	err := s.db.SelectContext(ctx, &runs,
		`SELECT * FROM runs ORDER BY submitted_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// MarkRunStarted transitions queued -> in_progress. The status guard in
// the WHERE clause keeps runs from ever moving backward; a run already
// past queued is left untouched.
func (s *RunStore) MarkRunStarted(ctx context.Context, id string) error {
	const query = `
		UPDATE runs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4`

	_, err := s.db.ExecContext(ctx, query,
		models.RunStatusInProgress, time.Now().UTC(), id, models.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to mark run %s started: %w", id, err)
	}
	return nil
}

// MarkRunCompleted transitions a non-terminal run to completed
func (s *RunStore) MarkRunCompleted(ctx context.Context, id string) error {
	const query = `
		UPDATE runs SET status = $1, completed_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		models.RunStatusCompleted, time.Now().UTC(), id,
		models.RunStatusCompleted, models.RunStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark run %s completed: %w", id, err)
	}
	return nil
}

// MarkRunFailed transitions a non-terminal run to failed with an error
func (s *RunStore) MarkRunFailed(ctx context.Context, id string, errMsg string) error {
	const query = `
		UPDATE runs SET status = $1, completed_at = $2, error = $3
		WHERE id = $4 AND status NOT IN ($5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		models.RunStatusFailed, time.Now().UTC(), errMsg, id,
		models.RunStatusCompleted, models.RunStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark run %s failed: %w", id, err)
	}
	return nil
}

// UpdateFindingCount stores the number of findings created for the run
func (s *RunStore) UpdateFindingCount(ctx context.Context, id string, count int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finding_count = $1 WHERE id = $2`, count, id)
	if err != nil {
		return fmt.Errorf("failed to update finding count for run %s: %w", id, err)
	}
	return nil
}

// DeleteRunsOlderThan removes runs submitted before the cutoff. Child
// findings survive with run_id nulled by the FK action.
func (s *RunStore) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE submitted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	return result.RowsAffected()
}
