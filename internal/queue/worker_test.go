package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/models"
)

// collector gathers handler invocations across worker goroutines
type collector struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (c *collector) add(job *models.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seen := &collector{}
	pool := NewWorkerPool(models.ScanQueue, 4, 0, m, func(ctx context.Context, job *models.Job) error {
		seen.add(job)
		return nil
	}, common.GetLogger())

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue(ctx, &models.Job{Queue: models.ScanQueue, URL: "https://example.com/"}))
	}

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool { return seen.count() == 10 })

	depth, err := m.Len(ctx, models.ScanQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestWorkerPoolRetriesThenSucceeds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	pool := NewWorkerPool(models.ScanQueue, 1, 0, m, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		return nil
	}, common.GetLogger())

	job := &models.Job{Queue: models.ScanQueue, URL: "https://example.com/"}
	require.NoError(t, m.Enqueue(ctx, job))

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		stored, err := m.GetJob(ctx, job.ID)
		return err == nil && stored.Status == models.JobStatusCompleted
	})

	stored, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
}

func TestWorkerPoolFinalFailureCallback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	pool := NewWorkerPool(models.ScanQueue, 1, 0, m, func(ctx context.Context, job *models.Job) error {
		return assert.AnError
	}, common.GetLogger())

	var mu sync.Mutex
	var failedID string
	pool.OnFinalFailure(func(ctx context.Context, job *models.Job, jobErr error) {
		mu.Lock()
		defer mu.Unlock()
		failedID = job.FindingID
	})

	job := &models.Job{Queue: models.ScanQueue, FindingID: "f-9", URL: "https://example.com/"}
	require.NoError(t, m.Enqueue(ctx, job))

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedID != ""
	})

	mu.Lock()
	assert.Equal(t, "f-9", failedID)
	mu.Unlock()

	stored, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestWorkerPoolRecoversFromHandlerPanic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	pool := NewWorkerPool(models.ScanQueue, 1, 0, m, func(ctx context.Context, job *models.Job) error {
		panic("boom")
	}, common.GetLogger())

	job := &models.Job{Queue: models.ScanQueue, URL: "https://example.com/", MaxAttempts: 1}
	require.NoError(t, m.Enqueue(ctx, job))

	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		stored, err := m.GetJob(ctx, job.ID)
		return err == nil && stored.Status == models.JobStatusFailed
	})

	stored, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "panic")
}

func TestWorkerPoolThroughputCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seen := &collector{}
	// 60/min = one job per second after the initial burst of 1
	pool := NewWorkerPool(models.RenderQueue, 2, 60, m, func(ctx context.Context, job *models.Job) error {
		seen.add(job)
		return nil
	}, common.GetLogger())

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Enqueue(ctx, &models.Job{Queue: models.RenderQueue, URL: "https://example.com/"}))
	}

	start := time.Now()
	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool { return seen.count() == 3 })

	// Limiter admits 1 immediately, then ~1/s; 3 jobs need >= ~2s
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}
