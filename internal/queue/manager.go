package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

const (
	jobKeyPrefix   = "job:"
	queueKeyPrefix = "queue:"

	// jobBodyTTL bounds how long a finished job body lingers in KV
	jobBodyTTL = 24 * time.Hour
)

// Manager is the persistent job store and queue front-end. Job bodies
// live at job:<id>; each queue is a KV list of job ids, consumed FIFO.
type Manager struct {
	kv     interfaces.KVStore
	config common.QueueConfig
	logger arbor.ILogger

	// requeue schedules a delayed retry; swappable for tests
	requeue func(d time.Duration, fn func())
}

// NewManager creates a queue manager over the shared KV store
func NewManager(kvStore interfaces.KVStore, config common.QueueConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		kv:     kvStore,
		config: config,
		logger: logger,
		requeue: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Enqueue persists the job body and pushes its id onto the named queue
func (m *Manager) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Queue == "" {
		return fmt.Errorf("job has no queue")
	}
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = m.config.MaxAttempts
	}
	job.Status = models.JobStatusQueued
	job.EnqueuedAt = time.Now().UTC()

	if err := m.saveJob(ctx, job); err != nil {
		return err
	}
	if err := m.kv.RPush(ctx, queueKeyPrefix+job.Queue, job.ID); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	m.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("finding_id", job.FindingID).
		Msg("Job enqueued")
	return nil
}

// Dequeue pops the next job from the named queue, marks it running, and
// counts the attempt. Returns nil when the queue is empty.
func (m *Manager) Dequeue(ctx context.Context, queueName string) (*models.Job, error) {
	jobID, err := m.kv.LPop(ctx, queueKeyPrefix+queueName)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queueName, err)
	}

	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			// Body expired or was deleted under us; skip the orphan id
			m.logger.Warn().Str("job_id", jobID).Str("queue", queueName).Msg("Dequeued job id with no body, skipping")
			return nil, nil
		}
		return nil, err
	}

	job.Status = models.JobStatusRunning
	job.Attempts++
	job.StartedAt = time.Now().UTC()
	if err := m.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks the job finished
func (m *Manager) Complete(ctx context.Context, job *models.Job) error {
	job.Status = models.JobStatusCompleted
	job.CompletedAt = time.Now().UTC()
	return m.saveJob(ctx, job)
}

// RetryOrFail handles a failed attempt: below the attempt cap the job is
// re-enqueued after exponential backoff (2s doubling, capped); at the
// cap it is marked failed. Reports whether a retry was scheduled.
func (m *Manager) RetryOrFail(ctx context.Context, job *models.Job, jobErr error) (bool, error) {
	job.Error = jobErr.Error()

	if job.Attempts >= job.MaxAttempts {
		job.Status = models.JobStatusFailed
		job.CompletedAt = time.Now().UTC()
		if err := m.saveJob(ctx, job); err != nil {
			return false, err
		}
		m.logger.Warn().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Int("attempts", job.Attempts).
			Err(jobErr).
			Msg("Job failed after final attempt")
		return false, nil
	}

	job.Status = models.JobStatusQueued
	if err := m.saveJob(ctx, job); err != nil {
		return false, err
	}

	backoff := m.retryBackoff(job.Attempts)
	m.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Int("attempt", job.Attempts).
		Dur("backoff", backoff).
		Err(jobErr).
		Msg("Retrying job after backoff")

	jobID, queueName := job.ID, job.Queue
	m.requeue(backoff, func() {
		requeueCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.kv.RPush(requeueCtx, queueKeyPrefix+queueName, jobID); err != nil {
			m.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to re-enqueue job for retry")
		}
	})
	return true, nil
}

// retryBackoff is 2s doubling per completed attempt, capped at 30s
func (m *Manager) retryBackoff(attempts int) time.Duration {
	backoff := m.config.RetryBackoffDuration()
	max := m.config.RetryBackoffMaxDuration()
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// GetJob loads a job body from the KV job store
func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := m.kv.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		return nil, err
	}
	return models.JobFromJSON(data)
}

// Len returns the queued depth of the named queue
func (m *Manager) Len(ctx context.Context, queueName string) (int64, error) {
	return m.kv.LLen(ctx, queueKeyPrefix+queueName)
}

func (m *Manager) saveJob(ctx context.Context, job *models.Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return err
	}
	if err := m.kv.Set(ctx, jobKeyPrefix+job.ID, data, jobBodyTTL); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

var _ interfaces.Enqueuer = (*Manager)(nil)
