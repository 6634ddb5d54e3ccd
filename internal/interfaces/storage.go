package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/vigil/internal/models"
)

// ErrNotFound is returned by storage lookups for missing rows
var ErrNotFound = errors.New("not found")

// RunStorage persists runs
type RunStorage interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]models.Run, error)
	// MarkRunStarted transitions queued -> in_progress and stamps started_at.
	// No-op if the run already left queued (runs never move backward).
	MarkRunStarted(ctx context.Context, id string) error
	// MarkRunCompleted transitions to completed and stamps completed_at
	MarkRunCompleted(ctx context.Context, id string) error
	MarkRunFailed(ctx context.Context, id string, errMsg string) error
	UpdateFindingCount(ctx context.Context, id string, count int) error
	// DeleteRunsOlderThan removes runs submitted before the cutoff.
	// Child findings keep functioning with a null run_id.
	DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FindingStorage persists findings
type FindingStorage interface {
	CreateFinding(ctx context.Context, finding *models.Finding) error
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	ListFindingsByRun(ctx context.Context, runID string) ([]models.Finding, error)
	UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus) error
	// UpdateFinding saves the mutable scan-result columns (status,
	// fingerprint, metadata, verified, false_positive)
	UpdateFinding(ctx context.Context, finding *models.Finding) error
}

// ArtifactStorage persists artifact rows (files live under the artifact root)
type ArtifactStorage interface {
	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
	ListArtifactsByFinding(ctx context.Context, findingID string) ([]models.Artifact, error)
	// ListExpired returns artifact rows past their expires_at
	ListExpired(ctx context.Context, now time.Time) ([]models.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error
}

// ReverifyStorage persists the re-verify audit trail
type ReverifyStorage interface {
	CreateAttempt(ctx context.Context, attempt *models.ReverifyAttempt) error
	ListAttemptsByFinding(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error)
}

// StorageManager aggregates the SQL-backed stores
type StorageManager interface {
	Runs() RunStorage
	Findings() FindingStorage
	Artifacts() ArtifactStorage
	ReverifyAttempts() ReverifyStorage
	Close() error
}
