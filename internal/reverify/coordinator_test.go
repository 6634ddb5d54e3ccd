package reverify

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/kv"
	"github.com/ternarybob/vigil/internal/models"
)

// fakeStorage backs the coordinator with in-memory findings and attempts
type fakeStorage struct {
	mu       sync.Mutex
	findings map[string]*models.Finding
	attempts []models.ReverifyAttempt
}

func (f *fakeStorage) Runs() interfaces.RunStorage           { return nil }
func (f *fakeStorage) Artifacts() interfaces.ArtifactStorage { return nil }
func (f *fakeStorage) Close() error                          { return nil }

func (f *fakeStorage) Findings() interfaces.FindingStorage          { return (*fakeFindings)(f) }
func (f *fakeStorage) ReverifyAttempts() interfaces.ReverifyStorage { return (*fakeAttempts)(f) }

type fakeFindings fakeStorage

func (f *fakeFindings) CreateFinding(ctx context.Context, finding *models.Finding) error { return nil }
func (f *fakeFindings) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	finding, ok := f.findings[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return finding, nil
}
func (f *fakeFindings) ListFindingsByRun(ctx context.Context, runID string) ([]models.Finding, error) {
	return nil, nil
}
func (f *fakeFindings) UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus) error {
	return nil
}
func (f *fakeFindings) UpdateFinding(ctx context.Context, finding *models.Finding) error { return nil }

type fakeAttempts fakeStorage

func (f *fakeAttempts) CreateAttempt(ctx context.Context, attempt *models.ReverifyAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeAttempts) ListAttemptsByFinding(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ReverifyAttempt
	for _, attempt := range f.attempts {
		if attempt.FindingID == findingID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (f *fakeAttempts) results(findingID string) []models.ReverifyResult {
	attempts, _ := f.ListAttemptsByFinding(context.Background(), findingID)
	var out []models.ReverifyResult
	for _, attempt := range attempts {
		out = append(out, attempt.Result)
	}
	return out
}

type enqueueCollector struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (e *enqueueCollector) Enqueue(ctx context.Context, job *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	storage     *fakeStorage
	enqueuer    *enqueueCollector
	kv          interfaces.KVStore
	redis       *miniredis.Miniredis
}

const testFindingID = "f0000000-0000-0000-0000-000000000001"

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := kv.NewClientFromAddr(mr.Addr(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	storage := &fakeStorage{findings: map[string]*models.Finding{
		testFindingID: {
			ID:     testFindingID,
			RunID:  sql.NullString{String: "r-1", Valid: true},
			URL:    "https://example.com/checkout",
			Status: models.FindingStatusEvidenceCaptured,
		},
	}}
	enqueuer := &enqueueCollector{}

	config := common.ReverifyConfig{TTLSeconds: 120, RatePerFindingPerHour: 5}
	return &coordinatorFixture{
		coordinator: NewCoordinator(storage, client, enqueuer, config, common.GetLogger()),
		storage:     storage,
		enqueuer:    enqueuer,
		kv:          client,
		redis:       mr,
	}
}

func (f *coordinatorFixture) reverify(t *testing.T) *models.ReverifyResponse {
	t.Helper()
	resp, err := f.coordinator.Reverify(context.Background(), Request{
		FindingID: testFindingID,
		IP:        "10.0.0.1",
		UserAgent: "test-agent",
		Source:    models.ReverifySourceAPI,
	})
	require.NoError(t, err)
	return resp
}

func TestReverifyUnknownFinding(t *testing.T) {
	f := newCoordinatorFixture(t)

	resp, err := f.coordinator.Reverify(context.Background(), Request{FindingID: "missing"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, models.ReverifyResultNotFound, resp.Result)
	assert.Empty(t, f.enqueuer.jobs)
}

func TestReverifyFirstRequestEnqueues(t *testing.T) {
	f := newCoordinatorFixture(t)

	resp := f.reverify(t)
	assert.True(t, resp.OK)
	assert.Equal(t, models.ReverifyResultOK, resp.Result)
	assert.NotEmpty(t, resp.JobID)
	require.NotNil(t, resp.RemainingAttempts)
	assert.Equal(t, 4, *resp.RemainingAttempts)

	require.Len(t, f.enqueuer.jobs, 1)
	job := f.enqueuer.jobs[0]
	assert.Equal(t, resp.JobID, job.ID)
	assert.Equal(t, models.ScanQueue, job.Queue)
	assert.Equal(t, testFindingID, job.FindingID)
	assert.Equal(t, "https://example.com/checkout", job.URL)
	assert.Equal(t, true, job.Options["reverify"])
}

func TestReverifyDuplicateWithinWindow(t *testing.T) {
	f := newCoordinatorFixture(t)

	first := f.reverify(t)
	second := f.reverify(t)

	assert.True(t, second.OK)
	assert.Equal(t, models.ReverifyResultDuplicate, second.Result)
	assert.Equal(t, first.JobID, second.JobID, "duplicate must return the original job id")

	assert.Len(t, f.enqueuer.jobs, 1, "duplicate must not enqueue")
	assert.Equal(t,
		[]models.ReverifyResult{models.ReverifyResultOK, models.ReverifyResultDuplicate},
		(*fakeAttempts)(f.storage).results(testFindingID))
}

func TestReverifyWindowExpiry(t *testing.T) {
	f := newCoordinatorFixture(t)

	first := f.reverify(t)
	f.redis.FastForward(121 * time.Second)
	second := f.reverify(t)

	assert.Equal(t, models.ReverifyResultOK, second.Result)
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Len(t, f.enqueuer.jobs, 2)
}

func TestReverifyDuplicateDoesNotConsumeRateSlot(t *testing.T) {
	f := newCoordinatorFixture(t)

	f.reverify(t) // ok, consumes slot 1
	f.reverify(t) // duplicate, no slot
	f.redis.FastForward(121 * time.Second)

	resp := f.reverify(t) // ok, consumes slot 2
	require.NotNil(t, resp.RemainingAttempts)
	assert.Equal(t, 3, *resp.RemainingAttempts)
}

func TestReverifyRateLimit(t *testing.T) {
	f := newCoordinatorFixture(t)

	// Five requests inside the hour, stepping past each idempotency window
	wantRemaining := []int{4, 3, 2, 1, 0}
	for i := 0; i < 5; i++ {
		resp := f.reverify(t)
		assert.Equal(t, models.ReverifyResultOK, resp.Result, "request %d", i+1)
		require.NotNil(t, resp.RemainingAttempts)
		assert.Equal(t, wantRemaining[i], *resp.RemainingAttempts)
		f.redis.FastForward(121 * time.Second)
	}

	sixth := f.reverify(t)
	assert.False(t, sixth.OK)
	assert.Equal(t, models.ReverifyResultRateLimited, sixth.Result)
	require.NotNil(t, sixth.RemainingAttempts)
	assert.Equal(t, 0, *sixth.RemainingAttempts)
	assert.Len(t, f.enqueuer.jobs, 5, "rate-limited request must not enqueue")
}

func TestReverifyCounterResetsAfterWindow(t *testing.T) {
	f := newCoordinatorFixture(t)

	for i := 0; i < 5; i++ {
		f.reverify(t)
		f.redis.FastForward(121 * time.Second)
	}
	assert.Equal(t, models.ReverifyResultRateLimited, f.reverify(t).Result)

	// The counter was armed on the first increment; 3600s from then
	f.redis.FastForward(time.Hour)

	resp := f.reverify(t)
	assert.Equal(t, models.ReverifyResultOK, resp.Result)
	require.NotNil(t, resp.RemainingAttempts)
	assert.Equal(t, 4, *resp.RemainingAttempts)
}

func TestReverifyFailsOpenOnKVError(t *testing.T) {
	f := newCoordinatorFixture(t)

	// A dead KV store must not block operator re-verification
	require.NoError(t, f.kv.Close())

	resp := f.reverify(t)
	assert.True(t, resp.OK)
	assert.Equal(t, models.ReverifyResultOK, resp.Result)
	assert.Len(t, f.enqueuer.jobs, 1)
}

func TestReverifySlackSourceRecorded(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Reverify(context.Background(), Request{
		FindingID: testFindingID,
		Source:    models.ReverifySourceSlack,
	})
	require.NoError(t, err)

	attempts, err := f.coordinator.ListAttempts(context.Background(), testFindingID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.ReverifySourceSlack, attempts[0].Source)
	assert.Equal(t, models.ReverifyResultOK, attempts[0].Result)
}
