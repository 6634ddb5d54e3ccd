package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

const keyPrefix = "cb:"

// Stats is a point-in-time snapshot of one target's breaker
type Stats struct {
	TargetID     string     `json:"target_id"`
	State        string     `json:"state"`
	FailCount    int        `json:"fail_count"`
	FailureRate  float64    `json:"failure_rate"`
	WindowSize   int        `json:"window_size"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	NextProbeETA *time.Time `json:"next_probe_eta,omitempty"`
}

// Breaker is a per-target circuit breaker whose state lives in the shared
// KV store, so every worker process sees the same view of a target.
//
// A target opens on either consecutive failures reaching the fail
// threshold, or the sliding-window failure rate crossing the rate
// threshold once the window is full. After the open duration the next
// probe is admitted in half-open; success closes, failure re-opens with
// a longer probe delay. Half-open admission is not single-flighted:
// concurrent workers may each send one probe, and the state converges on
// whichever outcome lands last.
type Breaker struct {
	kv     interfaces.KVStore
	config common.BreakerConfig
	logger arbor.ILogger

	// now is swappable for tests
	now func() time.Time
}

// New creates a breaker over the shared KV store
func New(kvStore interfaces.KVStore, config common.BreakerConfig, logger arbor.ILogger) *Breaker {
	return &Breaker{
		kv:     kvStore,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether breaker checks are active
func (b *Breaker) Enabled() bool {
	return b.config.Enabled
}

func (b *Breaker) openDuration() time.Duration {
	return time.Duration(b.config.OpenMinutes) * time.Minute
}

// halfOpenProbeDelay is the re-probe delay after a failed half-open probe
func (b *Breaker) halfOpenProbeDelay() time.Duration {
	return 2 * b.openDuration()
}

func stateKey(targetID string) string  { return keyPrefix + targetID + ":state" }
func failKey(targetID string) string   { return keyPrefix + targetID + ":fail_count" }
func probeKey(targetID string) string  { return keyPrefix + targetID + ":next_probe" }
func openedKey(targetID string) string { return keyPrefix + targetID + ":opened_at" }
func windowKey(targetID string) string { return keyPrefix + targetID + ":failure_window" }

// ShouldSkip reports whether a probe to the target should be skipped.
// KV errors fail open: a broken KV store never blocks probing.
func (b *Breaker) ShouldSkip(ctx context.Context, targetID string) bool {
	if !b.config.Enabled {
		return false
	}

	state, err := b.getState(ctx, targetID)
	if err != nil {
		b.logger.Warn().Err(err).Str("target", targetID).Msg("Breaker state read failed, failing open")
		return false
	}

	switch state {
	case StateOpen:
		nextProbe, err := b.getTime(ctx, probeKey(targetID))
		if err != nil {
			b.logger.Warn().Err(err).Str("target", targetID).Msg("Breaker probe time read failed, failing open")
			return false
		}
		if b.now().Before(nextProbe) {
			return true
		}
		// Open duration elapsed: admit one probe in half-open
		if err := b.kv.Set(ctx, stateKey(targetID), StateHalfOpen, 0); err != nil {
			b.logger.Warn().Err(err).Str("target", targetID).Msg("Breaker half-open transition failed")
		} else {
			b.logger.Info().Str("target", targetID).Msg("Breaker half-open, admitting probe")
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful probe. In half-open it closes the
// breaker; in closed it resets the consecutive-failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, targetID string) error {
	if !b.config.Enabled {
		return nil
	}

	state, err := b.getState(ctx, targetID)
	if err != nil {
		return err
	}

	if state == StateHalfOpen {
		b.logger.Info().Str("target", targetID).Msg("Breaker probe succeeded, closing")
		return b.Reset(ctx, targetID)
	}

	if err := b.kv.Set(ctx, failKey(targetID), "0", 0); err != nil {
		return err
	}
	return b.pushOutcome(ctx, targetID, false)
}

// RecordFailure records a failed probe and opens the breaker when a
// threshold trips
func (b *Breaker) RecordFailure(ctx context.Context, targetID string) error {
	if !b.config.Enabled {
		return nil
	}

	state, err := b.getState(ctx, targetID)
	if err != nil {
		return err
	}

	if state == StateHalfOpen {
		b.logger.Warn().Str("target", targetID).Msg("Breaker probe failed, re-opening with extended delay")
		return b.open(ctx, targetID, b.halfOpenProbeDelay())
	}
	if state == StateOpen {
		// A straggler from before the open; nothing to do
		return nil
	}

	failCount, err := b.kv.Incr(ctx, failKey(targetID))
	if err != nil {
		return err
	}
	if err := b.pushOutcome(ctx, targetID, true); err != nil {
		return err
	}

	if int(failCount) >= b.config.FailThreshold {
		b.logger.Warn().Str("target", targetID).Int64("failures", failCount).Msg("Breaker opening on consecutive failures")
		return b.open(ctx, targetID, b.openDuration())
	}

	rate, size, err := b.windowFailureRate(ctx, targetID)
	if err != nil {
		return err
	}
	if size >= b.config.ErrorRateWindow && rate >= float64(b.config.ErrorRateThresholdPct) {
		b.logger.Warn().Str("target", targetID).Float64("rate", rate).Msg("Breaker opening on failure rate")
		return b.open(ctx, targetID, b.openDuration())
	}

	return nil
}

// Reset clears all breaker state for a target, returning it to closed
func (b *Breaker) Reset(ctx context.Context, targetID string) error {
	keys := []string{
		stateKey(targetID),
		failKey(targetID),
		probeKey(targetID),
		openedKey(targetID),
		windowKey(targetID),
	}
	for _, key := range keys {
		if err := b.kv.Del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns the breaker snapshot for one target
func (b *Breaker) GetStats(ctx context.Context, targetID string) (*Stats, error) {
	state, err := b.getState(ctx, targetID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TargetID: targetID, State: state}

	if raw, err := b.kv.Get(ctx, failKey(targetID)); err == nil {
		stats.FailCount, _ = strconv.Atoi(raw)
	}
	if rate, size, err := b.windowFailureRate(ctx, targetID); err == nil {
		stats.FailureRate = rate
		stats.WindowSize = size
	}
	if openedAt, err := b.getTime(ctx, openedKey(targetID)); err == nil {
		stats.OpenedAt = &openedAt
	}
	if nextProbe, err := b.getTime(ctx, probeKey(targetID)); err == nil {
		stats.NextProbeETA = &nextProbe
	}

	return stats, nil
}

// GetAllStats returns snapshots for every target with breaker state
func (b *Breaker) GetAllStats(ctx context.Context) ([]*Stats, error) {
	keys, err := b.kv.Keys(ctx, keyPrefix+"*:state")
	if err != nil {
		return nil, err
	}

	stats := make([]*Stats, 0, len(keys))
	for _, key := range keys {
		targetID := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ":state")
		snapshot, err := b.GetStats(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("stats for target %s: %w", targetID, err)
		}
		stats = append(stats, snapshot)
	}
	return stats, nil
}

func (b *Breaker) open(ctx context.Context, targetID string, probeDelay time.Duration) error {
	now := b.now().UTC()
	return b.kv.SetMulti(ctx, map[string]string{
		stateKey(targetID):  StateOpen,
		openedKey(targetID): now.Format(time.RFC3339),
		probeKey(targetID):  now.Add(probeDelay).Format(time.RFC3339),
		failKey(targetID):   "0",
	}, 0)
}

func (b *Breaker) getState(ctx context.Context, targetID string) (string, error) {
	state, err := b.kv.Get(ctx, stateKey(targetID))
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return StateClosed, nil
		}
		return "", err
	}
	return state, nil
}

func (b *Breaker) getTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := b.kv.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}

// pushOutcome records one probe outcome in the sliding window, trimmed
// to the configured sample count. Successes are "1", failures "0".
func (b *Breaker) pushOutcome(ctx context.Context, targetID string, failure bool) error {
	value := "1"
	if failure {
		value = "0"
	}
	if err := b.kv.LPush(ctx, windowKey(targetID), value); err != nil {
		return err
	}
	return b.kv.LTrim(ctx, windowKey(targetID), 0, int64(b.config.ErrorRateWindow)-1)
}

func (b *Breaker) windowFailureRate(ctx context.Context, targetID string) (float64, int, error) {
	outcomes, err := b.kv.LRange(ctx, windowKey(targetID), 0, -1)
	if err != nil {
		return 0, 0, err
	}
	if len(outcomes) == 0 {
		return 0, 0, nil
	}

	failures := 0
	for _, outcome := range outcomes {
		if outcome == "0" {
			failures++
		}
	}
	return float64(failures) / float64(len(outcomes)) * 100, len(outcomes), nil
}

var _ interfaces.CircuitBreaker = (*Breaker)(nil)
