package scan

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// memStore is an in-memory StorageManager for lifecycle tests
type memStore struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	findings map[string]*models.Finding
	arts     map[string]*models.Artifact
	attempts map[string]*models.ReverifyAttempt
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[string]*models.Run),
		findings: make(map[string]*models.Finding),
		arts:     make(map[string]*models.Artifact),
		attempts: make(map[string]*models.ReverifyAttempt),
	}
}

func (m *memStore) Runs() interfaces.RunStorage                  { return (*memRuns)(m) }
func (m *memStore) Findings() interfaces.FindingStorage          { return (*memFindings)(m) }
func (m *memStore) Artifacts() interfaces.ArtifactStorage        { return (*memArtifacts)(m) }
func (m *memStore) ReverifyAttempts() interfaces.ReverifyStorage { return (*memAttempts)(m) }
func (m *memStore) Close() error                                 { return nil }

type memRuns memStore

func (m *memRuns) CreateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *memRuns) GetRun(ctx context.Context, id string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memRuns) ListRuns(ctx context.Context, limit, offset int) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Run{}
	for _, run := range m.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (m *memRuns) MarkRunStarted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if ok && run.Status == models.RunStatusQueued {
		now := time.Now().UTC()
		run.Status = models.RunStatusInProgress
		run.StartedAt = &now
	}
	return nil
}

func (m *memRuns) MarkRunCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if ok && !run.Status.IsTerminal() {
		now := time.Now().UTC()
		run.Status = models.RunStatusCompleted
		run.CompletedAt = &now
	}
	return nil
}

func (m *memRuns) MarkRunFailed(ctx context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if ok && !run.Status.IsTerminal() {
		now := time.Now().UTC()
		run.Status = models.RunStatusFailed
		run.CompletedAt = &now
		run.Error = errMsg
	}
	return nil
}

func (m *memRuns) UpdateFindingCount(ctx context.Context, id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[id]; ok {
		run.FindingCount = count
	}
	return nil
}

func (m *memRuns) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, run := range m.runs {
		if run.SubmittedAt.Before(cutoff) {
			delete(m.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

type memFindings memStore

func (m *memFindings) CreateFinding(ctx context.Context, finding *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *finding
	m.findings[finding.ID] = &copied
	return nil
}

func (m *memFindings) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	finding, ok := m.findings[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *finding
	return &copied, nil
}

func (m *memFindings) ListFindingsByRun(ctx context.Context, runID string) ([]models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Finding{}
	for _, finding := range m.findings {
		if finding.RunID.Valid && finding.RunID.String == runID {
			out = append(out, *finding)
		}
	}
	return out, nil
}

func (m *memFindings) UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	finding, ok := m.findings[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	finding.Status = status
	finding.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memFindings) UpdateFinding(ctx context.Context, updated *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	finding, ok := m.findings[updated.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	finding.Status = updated.Status
	finding.Fingerprint = updated.Fingerprint
	finding.Metadata = updated.Metadata
	finding.Verified = updated.Verified
	finding.FalsePositive = updated.FalsePositive
	finding.UpdatedAt = time.Now().UTC()
	return nil
}

type memArtifacts memStore

func (m *memArtifacts) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *artifact
	m.arts[artifact.ID] = &copied
	return nil
}

func (m *memArtifacts) ListArtifactsByFinding(ctx context.Context, findingID string) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Artifact{}
	for _, artifact := range m.arts {
		if artifact.FindingID == findingID {
			out = append(out, *artifact)
		}
	}
	return out, nil
}

func (m *memArtifacts) ListExpired(ctx context.Context, now time.Time) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Artifact{}
	for _, artifact := range m.arts {
		if artifact.ExpiresAt.Before(now) {
			out = append(out, *artifact)
		}
	}
	return out, nil
}

func (m *memArtifacts) DeleteArtifact(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arts, id)
	return nil
}

type memAttempts memStore

func (m *memAttempts) CreateAttempt(ctx context.Context, attempt *models.ReverifyAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *attempt
	m.attempts[attempt.ID] = &copied
	return nil
}

func (m *memAttempts) ListAttemptsByFinding(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ReverifyAttempt{}
	for _, attempt := range m.attempts {
		if attempt.FindingID == findingID {
			out = append(out, *attempt)
		}
	}
	return out, nil
}
