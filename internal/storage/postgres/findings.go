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

// FindingStore persists findings
type FindingStore struct {
	db *sqlx.DB
}

// CreateFinding inserts a new finding row
func (s *FindingStore) CreateFinding(ctx context.Context, finding *models.Finding) error {
	const query = `
		INSERT INTO findings (id, run_id, url, status, finding_type, severity, title, description,
			detected_value, context, fingerprint, verified, false_positive, metadata, created_at, updated_at)
		VALUES (:id, :run_id, :url, :status, :finding_type, :severity, :title, :description,
			:detected_value, :context, :fingerprint, :verified, :false_positive, :metadata, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, finding); err != nil {
		return fmt.Errorf("failed to create finding %s: %w", finding.ID, err)
	}
	return nil
}

// GetFinding loads one finding by id
func (s *FindingStore) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	var finding models.Finding
	err := s.db.GetContext(ctx, &finding, `SELECT * FROM findings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get finding %s: %w", id, err)
	}
	return &finding, nil
}

// ListFindingsByRun returns the run's findings in creation order
func (s *FindingStore) ListFindingsByRun(ctx context.Context, runID string) ([]models.Finding, error) {
	findings := []models.Finding{}
	err := s.db.SelectContext(ctx, &findings,
		`SELECT * FROM findings WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings for run %s: %w", runID, err)
	}
	return findings, nil
}

// UpdateFindingStatus sets the status and stamps updated_at
func (s *FindingStore) UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE findings SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update finding %s status: %w", id, err)
	}
	return nil
}

// UpdateFinding saves the mutable scan-result columns
func (s *FindingStore) UpdateFinding(ctx context.Context, finding *models.Finding) error {
	finding.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE findings SET status = :status, fingerprint = :fingerprint, metadata = :metadata,
			verified = :verified, false_positive = :false_positive, updated_at = :updated_at
		WHERE id = :id`

	if _, err := s.db.NamedExecContext(ctx, query, finding); err != nil {
		return fmt.Errorf("failed to update finding %s: %w", finding.ID, err)
	}
	return nil
}
