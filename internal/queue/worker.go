package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/vigil/internal/models"
)

// Handler processes one job. A nil return completes the job; an error
// sends it through retry-or-fail.
type Handler func(ctx context.Context, job *models.Job) error

// FinalFailureFunc is called once when a job exhausts its attempts
type FinalFailureFunc func(ctx context.Context, job *models.Job, jobErr error)

// WorkerPool polls one queue with a fixed number of workers. An optional
// rate limiter caps pool-wide throughput; each worker holds one job at a
// time.
type WorkerPool struct {
	queueName      string
	concurrency    int
	pollInterval   time.Duration
	manager        *Manager
	handler        Handler
	onFinalFailure FinalFailureFunc
	limiter        *rate.Limiter
	logger         arbor.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool for one queue. perMinute <= 0 disables
// the throughput cap.
func NewWorkerPool(queueName string, concurrency, perMinute int, manager *Manager, handler Handler, logger arbor.ILogger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}

	var limiter *rate.Limiter
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}

	return &WorkerPool{
		queueName:    queueName,
		concurrency:  concurrency,
		pollInterval: manager.config.PollIntervalDuration(),
		manager:      manager,
		handler:      handler,
		limiter:      limiter,
		logger:       logger,
	}
}

// OnFinalFailure registers the callback invoked when a job fails its
// last attempt
func (p *WorkerPool) OnFinalFailure(fn FinalFailureFunc) {
	p.onFinalFailure = fn
}

// Start launches the worker goroutines
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info().
		Str("queue", p.queueName).
		Int("concurrency", p.concurrency).
		Msg("Worker pool starting")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Str("queue", p.queueName).Msg("Worker pool stopped")
}

func (p *WorkerPool) workerLoop(ctx context.Context, workerIndex int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.manager.Dequeue(ctx, p.queueName)
		if err != nil {
			p.logger.Warn().Err(err).Str("queue", p.queueName).Msg("Dequeue failed")
			continue
		}
		if job == nil {
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				// Shutting down with a job in hand; put it back
				p.abandonJob(job)
				return
			}
		}

		p.processJob(ctx, workerIndex, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, workerIndex int, job *models.Job) {
	start := time.Now()
	jobErr := p.runHandler(ctx, job)

	if jobErr == nil {
		if err := p.manager.Complete(ctx, job); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
		}
		p.logger.Debug().
			Str("job_id", job.ID).
			Str("queue", p.queueName).
			Int("worker", workerIndex).
			Dur("duration", time.Since(start)).
			Msg("Job completed")
		return
	}

	retried, err := p.manager.RetryOrFail(ctx, job, jobErr)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
		return
	}
	if !retried && p.onFinalFailure != nil {
		p.onFinalFailure(ctx, job, jobErr)
	}
}

// runHandler isolates handler panics so one bad job cannot kill a worker
func (p *WorkerPool) runHandler(ctx context.Context, job *models.Job) (jobErr error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", job.ID).
				Str("queue", p.queueName).
				Str("stack", string(debug.Stack())).
				Msgf("Handler panic: %v", r)
			jobErr = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// abandonJob returns a dequeued job to the front of its queue during
// shutdown
func (p *WorkerPool) abandonJob(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job.Status = models.JobStatusQueued
	job.Attempts-- // the attempt never ran
	if err := p.manager.saveJob(ctx, job); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset abandoned job")
		return
	}
	if err := p.manager.kv.LPush(ctx, queueKeyPrefix+p.queueName, job.ID); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to requeue abandoned job")
	}
}
