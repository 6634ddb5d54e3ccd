package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/vigil/internal/models"
)

// ArtifactStore persists artifact rows; the files themselves live under
// the artifact root
type ArtifactStore struct {
	db *sqlx.DB
}

// CreateArtifact inserts a new artifact row
func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	const query = `
		INSERT INTO artifacts (id, finding_id, type, path, size_bytes, created_at, expires_at)
		VALUES (:id, :finding_id, :type, :path, :size_bytes, :created_at, :expires_at)`

	if _, err := s.db.NamedExecContext(ctx, query, artifact); err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// ListArtifactsByFinding returns the finding's artifacts
func (s *ArtifactStore) ListArtifactsByFinding(ctx context.Context, findingID string) ([]models.Artifact, error) {
	artifacts := []models.Artifact{}
	err := s.db.SelectContext(ctx, &artifacts,
		`SELECT * FROM artifacts WHERE finding_id = $1 ORDER BY created_at ASC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for finding %s: %w", findingID, err)
	}
	return artifacts, nil
}

// ListExpired returns artifact rows past their expires_at, for the
// retention sweep
func (s *ArtifactStore) ListExpired(ctx context.Context, now time.Time) ([]models.Artifact, error) {
	artifacts := []models.Artifact{}
	err := s.db.SelectContext(ctx, &artifacts,
		`SELECT * FROM artifacts WHERE expires_at < $1 ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired artifacts: %w", err)
	}
	return artifacts, nil
}

// DeleteArtifact removes one artifact row
func (s *ArtifactStore) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}
