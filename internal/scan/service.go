package scan

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// RunResult summarizes a run submission
type RunResult struct {
	Run          *models.Run      `json:"run"`
	Findings     []models.Finding `json:"findings"`
	JobsEnqueued int              `json:"jobs_enqueued"`
}

// ValidationError marks a rejected submission; handlers map it to 400
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Service owns the run/finding lifecycle: submission, rollup, and the
// failure path for exhausted jobs
type Service struct {
	storage  interfaces.StorageManager
	enqueuer interfaces.Enqueuer
	logger   arbor.ILogger
}

// NewService creates the lifecycle service
func NewService(storage interfaces.StorageManager, enqueuer interfaces.Enqueuer, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// CreateRun validates the URL batch, inserts the run and one pending
// finding per URL, and enqueues a scan job for each. The run moves to
// in_progress as soon as any job lands on the queue.
func (s *Service) CreateRun(ctx context.Context, urls []string, runType models.RunType, payload string) (*RunResult, error) {
	if len(urls) == 0 {
		return nil, &ValidationError{Message: "no URLs provided"}
	}
	for _, raw := range urls {
		if err := validateURL(raw); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid URL %q: %v", raw, err)}
		}
	}
	if runType == "" {
		runType = models.RunTypeManual
	}

	run := &models.Run{
		ID:          common.NewID(),
		Status:      models.RunStatusQueued,
		RunType:     runType,
		SubmittedAt: time.Now().UTC(),
		URLCount:    len(urls),
		Payload:     payload,
	}
	if err := s.storage.Runs().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	result := &RunResult{Run: run}
	for _, raw := range urls {
		finding, err := s.createFindingWithJob(ctx, run.ID, raw)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Str("url", raw).Msg("Failed to create finding for URL")
			continue
		}
		result.Findings = append(result.Findings, *finding)
		result.JobsEnqueued++
	}

	if err := s.storage.Runs().UpdateFindingCount(ctx, run.ID, len(result.Findings)); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to update finding count")
	}
	run.FindingCount = len(result.Findings)

	if result.JobsEnqueued > 0 {
		if err := s.storage.Runs().MarkRunStarted(ctx, run.ID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to mark run started")
		} else {
			run.Status = models.RunStatusInProgress
		}
	} else {
		if err := s.storage.Runs().MarkRunFailed(ctx, run.ID, "no jobs could be enqueued"); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to mark run failed")
		}
		run.Status = models.RunStatusFailed
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Int("urls", len(urls)).
		Int("jobs_enqueued", result.JobsEnqueued).
		Msg("Run created")
	return result, nil
}

func (s *Service) createFindingWithJob(ctx context.Context, runID, rawURL string) (*models.Finding, error) {
	now := time.Now().UTC()
	finding := &models.Finding{
		ID:          common.NewID(),
		RunID:       sql.NullString{String: runID, Valid: true},
		URL:         rawURL,
		Status:      models.FindingStatusPending,
		FindingType: "url_scan",
		Severity:    "medium",
		// Placeholder until the rules engine resolves a real fingerprint
		Fingerprint: "pending-" + common.NewID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.storage.Findings().CreateFinding(ctx, finding); err != nil {
		return nil, err
	}

	job := &models.Job{
		Queue:     models.ScanQueue,
		FindingID: finding.ID,
		URL:       rawURL,
	}
	if err := s.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue scan job for finding %s: %w", finding.ID, err)
	}
	return finding, nil
}

// CheckAndUpdateRunStatus closes the run once every child finding is
// terminal. Suppressed findings count as terminal here: suppression stays
// reversible through re-verification, but an all-suppressed run must
// still complete.
func (s *Service) CheckAndUpdateRunStatus(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}

	findings, err := s.storage.Findings().ListFindingsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load findings for run %s: %w", runID, err)
	}
	if len(findings) == 0 {
		return nil
	}

	for _, finding := range findings {
		if !finding.Status.IsTerminal() {
			return nil
		}
	}

	if err := s.storage.Runs().MarkRunCompleted(ctx, runID); err != nil {
		return err
	}
	s.logger.Info().Str("run_id", runID).Int("findings", len(findings)).Msg("Run completed")
	return nil
}

// FailFinding marks a finding failed after its job exhausted every
// attempt, then re-checks the run rollup
func (s *Service) FailFinding(ctx context.Context, findingID string, jobErr error) {
	finding, err := s.storage.Findings().GetFinding(ctx, findingID)
	if err != nil {
		s.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Failed to load finding for failure marking")
		return
	}

	finding.Status = models.FindingStatusFailed
	if err := finding.MergeMetadata(map[string]interface{}{"failure": jobErr.Error()}); err == nil {
		if err := s.storage.Findings().UpdateFinding(ctx, finding); err != nil {
			s.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Failed to mark finding failed")
			return
		}
	}

	if finding.RunID.Valid {
		if err := s.CheckAndUpdateRunStatus(ctx, finding.RunID.String); err != nil {
			s.logger.Warn().Err(err).Str("run_id", finding.RunID.String).Msg("Rollup after finding failure failed")
		}
	}
}

// GetRunDetail loads a run with its findings
func (s *Service) GetRunDetail(ctx context.Context, runID string) (*models.Run, []models.Finding, error) {
	run, err := s.storage.Runs().GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	findings, err := s.storage.Findings().ListFindingsByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, findings, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
