package reverify

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
	idempotencyKeyPrefix = "reverify:idempotency:"
	countKeyPrefix       = "reverify:count:"

	// rateWindow is the sliding window for the per-finding rate counter
	rateWindow = time.Hour
)

// Request is one operator re-verify request
type Request struct {
	FindingID string
	IP        string
	UserAgent string
	Source    models.ReverifySource
}

// Coordinator gates operator-driven re-verification behind an
// idempotency window and a per-finding hourly rate limit, both in the
// shared KV store. KV failures fail open: an unreachable coordinator
// must not lock operators out.
type Coordinator struct {
	storage  interfaces.StorageManager
	kv       interfaces.KVStore
	enqueuer interfaces.Enqueuer
	config   common.ReverifyConfig
	logger   arbor.ILogger
}

// NewCoordinator creates the re-verify coordinator
func NewCoordinator(storage interfaces.StorageManager, kvStore interfaces.KVStore, enqueuer interfaces.Enqueuer, config common.ReverifyConfig, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		storage:  storage,
		kv:       kvStore,
		enqueuer: enqueuer,
		config:   config,
		logger:   logger,
	}
}

// Reverify runs one re-verify request through the gates and, when both
// pass, enqueues a fresh scan job for the finding
func (c *Coordinator) Reverify(ctx context.Context, req Request) (*models.ReverifyResponse, error) {
	if req.Source == "" {
		req.Source = models.ReverifySourceAPI
	}

	finding, err := c.storage.Findings().GetFinding(ctx, req.FindingID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return &models.ReverifyResponse{
				OK:      false,
				Result:  models.ReverifyResultNotFound,
				Message: "finding not found",
			}, nil
		}
		return nil, fmt.Errorf("failed to load finding %s: %w", req.FindingID, err)
	}

	// Idempotency window: a duplicate inside the window returns the job
	// id of the original request
	if existingJobID := c.idempotencyHit(ctx, req.FindingID); existingJobID != "" {
		c.recordAttempt(ctx, req, models.ReverifyResultDuplicate, existingJobID)
		return &models.ReverifyResponse{
			OK:     true,
			Result: models.ReverifyResultDuplicate,
			JobID:  existingJobID,
		}, nil
	}

	// Per-finding hourly rate limit
	allowed, remaining := c.consumeRateSlot(ctx, req.FindingID)
	if !allowed {
		c.recordAttempt(ctx, req, models.ReverifyResultRateLimited, "")
		zero := 0
		return &models.ReverifyResponse{
			OK:                false,
			Result:            models.ReverifyResultRateLimited,
			RemainingAttempts: &zero,
			Message:           fmt.Sprintf("rate limit of %d re-verifies per hour reached", c.config.RatePerFindingPerHour),
		}, nil
	}

	jobID := common.NewJobID()
	ttl := time.Duration(c.config.TTLSeconds) * time.Second
	if err := c.kv.Set(ctx, idempotencyKeyPrefix+req.FindingID, jobID, ttl); err != nil {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("Failed to arm idempotency window, continuing")
	}

	c.recordAttempt(ctx, req, models.ReverifyResultOK, jobID)

	job := &models.Job{
		ID:        jobID,
		Queue:     models.ScanQueue,
		FindingID: finding.ID,
		URL:       finding.URL,
		Options:   map[string]interface{}{"reverify": true, "source": string(req.Source)},
	}
	if err := c.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue re-verify job for finding %s: %w", finding.ID, err)
	}

	c.logger.Info().
		Str("finding_id", finding.ID).
		Str("job_id", jobID).
		Str("source", string(req.Source)).
		Int("remaining", remaining).
		Msg("Re-verify enqueued")

	return &models.ReverifyResponse{
		OK:                true,
		Result:            models.ReverifyResultOK,
		JobID:             jobID,
		RemainingAttempts: &remaining,
	}, nil
}

// ListAttempts returns the audit trail for one finding
func (c *Coordinator) ListAttempts(ctx context.Context, findingID string) ([]models.ReverifyAttempt, error) {
	return c.storage.ReverifyAttempts().ListAttemptsByFinding(ctx, findingID)
}

// idempotencyHit returns the job id of an in-window request, or ""
func (c *Coordinator) idempotencyHit(ctx context.Context, findingID string) string {
	jobID, err := c.kv.Get(ctx, idempotencyKeyPrefix+findingID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			c.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Idempotency check failed, failing open")
		}
		return ""
	}
	return jobID
}

// consumeRateSlot checks and increments the per-finding counter.
// Reports whether the request is admitted and how many slots remain
// after it. Duplicates never reach here, so they consume no slot.
func (c *Coordinator) consumeRateSlot(ctx context.Context, findingID string) (bool, int) {
	key := countKeyPrefix + findingID
	limit := c.config.RatePerFindingPerHour

	current, err := c.currentCount(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Rate limit check failed, failing open")
		return true, limit - 1
	}
	if current >= limit {
		return false, 0
	}

	count, err := c.kv.Incr(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Rate counter increment failed, failing open")
		return true, limit - current - 1
	}
	if count == 1 {
		if err := c.kv.Expire(ctx, key, rateWindow); err != nil {
			c.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Failed to set rate counter expiry")
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

func (c *Coordinator) currentCount(ctx context.Context, key string) (int, error) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var count int
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, err
	}
	return count, nil
}

// recordAttempt writes one audit row; audit failures are logged, never
// surfaced
func (c *Coordinator) recordAttempt(ctx context.Context, req Request, result models.ReverifyResult, jobID string) {
	attempt := &models.ReverifyAttempt{
		ID:          common.NewID(),
		FindingID:   req.FindingID,
		RequestedAt: time.Now().UTC(),
		RequesterIP: req.IP,
		UserAgent:   req.UserAgent,
		Source:      req.Source,
		Result:      result,
		JobID:       jobID,
	}
	if err := c.storage.ReverifyAttempts().CreateAttempt(ctx, attempt); err != nil {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("Failed to record reverify attempt")
	}
}
