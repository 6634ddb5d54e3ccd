package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// testStore is a minimal in-memory StorageManager for handler tests
type testStore struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	findings map[string]*models.Finding
	attempts []models.ReverifyAttempt
}

func newTestStore() *testStore {
	return &testStore{
		runs:     make(map[string]*models.Run),
		findings: make(map[string]*models.Finding),
	}
}

func (s *testStore) Runs() interfaces.RunStorage                  { return (*testRuns)(s) }
func (s *testStore) Findings() interfaces.FindingStorage          { return (*testFindings)(s) }
func (s *testStore) Artifacts() interfaces.ArtifactStorage        { return (*testArtifacts)(s) }
func (s *testStore) ReverifyAttempts() interfaces.ReverifyStorage { return (*testAttempts)(s) }
func (s *testStore) Close() error                                 { return nil }

type testRuns testStore

func (s *testRuns) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *testRuns) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *testRuns) ListRuns(ctx context.Context, limit, offset int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Run
	for _, run := range s.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (s *testRuns) MarkRunStarted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok && run.Status == models.RunStatusQueued {
		run.Status = models.RunStatusInProgress
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	return nil
}

func (s *testRuns) MarkRunCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok && !run.Status.IsTerminal() {
		run.Status = models.RunStatusCompleted
	}
	return nil
}

func (s *testRuns) MarkRunFailed(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok && !run.Status.IsTerminal() {
		run.Status = models.RunStatusFailed
		run.Error = errMsg
	}
	return nil
}

func (s *testRuns) UpdateFindingCount(ctx context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.FindingCount = count
	}
	return nil
}

func (s *testRuns) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type testFindings testStore

func (s *testFindings) CreateFinding(ctx context.Context, finding *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *finding
	s.findings[finding.ID] = &clone
	return nil
}

func (s *testFindings) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	finding, ok := s.findings[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *finding
	return &clone, nil
}

func (s *testFindings) ListFindingsByRun(ctx context.Context, runID string) ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Finding
	for _, finding := range s.findings {
		if finding.RunID.Valid && finding.RunID.String == runID {
			out = append(out, *finding)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *testFindings) UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if finding, ok := s.findings[id]; ok {
		finding.Status = status
	}
	return nil
}

func (s *testFindings) UpdateFinding(ctx context.Context, finding *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *finding
	s.findings[finding.ID] = &clone
	return nil
}

type testArtifacts testStore

func (s *testArtifacts) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	return nil
}

func (s *testArtifacts) ListArtifactsByFinding(ctx context.Context, findingID string) ([]models.Artifact, error) {
	return nil, nil
}

func (s *testArtifacts) ListExpired(ctx context.Context, now time.Time) ([]models.Artifact, error) {
	return nil, nil
}

func (s *testArtifacts) DeleteArtifact(ctx context.Context, id string) error { return nil }

type testAttempts testStore

func (s *testAttempts) CreateAttempt(ctx context.Context, attempt *models.ReverifyAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *testAttempts) ListAttemptsByFinding(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReverifyAttempt
	for _, attempt := range s.attempts {
		if attempt.FindingID == findingID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

// testEnqueuer collects enqueued jobs
type testEnqueuer struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (e *testEnqueuer) Enqueue(ctx context.Context, job *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *testEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}
