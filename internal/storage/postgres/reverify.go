package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/vigil/internal/models"
)

// ReverifyStore persists the re-verify audit trail
type ReverifyStore struct {
	db *sqlx.DB
}

// CreateAttempt inserts one audit row
func (s *ReverifyStore) CreateAttempt(ctx context.Context, attempt *models.ReverifyAttempt) error {
	const query = `
		INSERT INTO reverify_attempts (id, finding_id, requested_at, requester_ip, user_agent, source, result, job_id)
		VALUES (:id, :finding_id, :requested_at, :requester_ip, :user_agent, :source, :result, :job_id)`

	if _, err := s.db.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("failed to create reverify attempt %s: %w", attempt.ID, err)
	}
	return nil
}

// ListAttemptsByFinding returns the finding's attempts newest-first
func (s *ReverifyStore) ListAttemptsByFinding(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error) {
	attempts := []models.ReverifyAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT * FROM reverify_attempts WHERE finding_id = $1 ORDER BY requested_at DESC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reverify attempts for finding %s: %w", findingID, err)
	}
	return attempts, nil
}
