package rules

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/fingerprint"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Suppression reasons, in check order
const (
	ReasonAllowlist   = "allowlist"
	ReasonMaintenance = "maintenance"
	ReasonRobots      = "robots"
	ReasonCooldown    = "cooldown"
)

// Engine composes the allow-list, maintenance windows, the robots cache,
// and fingerprint cooldowns into a single suppression decision. Applied
// uniformly at scan-decision time and fetch-outcome time.
//
// Checks are ordered; the first trigger wins. Internal errors fail open:
// a broken KV store must not stop scanning.
type Engine struct {
	allowList *AllowList
	store     *Store
	robots    *RobotsCache
	dedup     *DedupStore
	logger    arbor.ILogger
}

// NewEngine creates the rules engine from its component services
func NewEngine(allowList *AllowList, store *Store, robots *RobotsCache, dedup *DedupStore, logger arbor.ILogger) *Engine {
	return &Engine{
		allowList: allowList,
		store:     store,
		robots:    robots,
		dedup:     dedup,
		logger:    logger,
	}
}

// CheckSuppression runs the ordered suppression checks for one fetch
// outcome. When nothing triggers, the finding is recorded for dedup and
// the resolved fingerprint returned.
func (e *Engine) CheckSuppression(ctx context.Context, url string, errorType models.ErrorType, status int, errMsg string, latencyMs int64) *interfaces.SuppressionDecision {
	// 1. Allow-list gate
	if !e.allowList.IsAllowed(url) {
		return &interfaces.SuppressionDecision{Suppressed: true, Reason: ReasonAllowlist}
	}

	rule := e.store.FindMatchingRule(url)
	ruleID := ""
	if rule != nil {
		ruleID = rule.ID
	}

	// 2. Maintenance window
	if rule != nil && e.store.ShouldSuppressDuringMaintenance(rule) {
		return &interfaces.SuppressionDecision{Suppressed: true, Reason: ReasonMaintenance, RuleID: ruleID}
	}

	// 3. Robots, only when the effective settings ask for it
	if e.store.EffectiveRespectRobots(rule) {
		if !e.robots.IsAllowed(ctx, url, "*") {
			return &interfaces.SuppressionDecision{Suppressed: true, Reason: ReasonRobots, RuleID: ruleID}
		}
	}

	// 4. Dedup cooldown on the fingerprint chosen by error type
	fp := e.fingerprintFor(url, errorType, status, errMsg, latencyMs)

	dedupResult, err := e.dedup.CheckDeduplication(ctx, fp, rule)
	if err != nil {
		e.logger.Error().Err(err).Str("url", url).Msg("Dedup check failed, failing open")
		return &interfaces.SuppressionDecision{Suppressed: false, Fingerprint: fp, RuleID: ruleID}
	}
	if dedupResult.Suppressed {
		return &interfaces.SuppressionDecision{
			Suppressed:      true,
			Reason:          ReasonCooldown,
			RuleID:          ruleID,
			Fingerprint:     fp,
			CooldownSeconds: int(e.store.EffectiveCooldown(rule).Seconds()),
		}
	}

	record, err := e.dedup.RecordFinding(ctx, fp, url, rule, status, errMsg)
	if err != nil {
		e.logger.Error().Err(err).Str("url", url).Msg("Failed to record finding for dedup, failing open")
		return &interfaces.SuppressionDecision{Suppressed: false, Fingerprint: fp, RuleID: ruleID}
	}

	return &interfaces.SuppressionDecision{
		Suppressed:  false,
		Fingerprint: fp,
		RuleID:      ruleID,
		FirstSeen:   record.OccurrenceCount == 1,
	}
}

// ShouldAlertLatency reports whether a successful response was slow
// enough to alert on
func (e *Engine) ShouldAlertLatency(url string, latencyMs int64) bool {
	rule := e.store.FindMatchingRule(url)
	return latencyMs > e.store.EffectiveLatencyThreshold(rule)
}

func (e *Engine) fingerprintFor(url string, errorType models.ErrorType, status int, errMsg string, latencyMs int64) string {
	switch errorType {
	case models.ErrorTypeTimeout:
		return fingerprint.GenerateTimeout(url)
	case models.ErrorTypeNetwork:
		return fingerprint.GenerateNetworkError(url)
	case models.ErrorTypeLatency:
		return fingerprint.GenerateLatency(url, latencyMs)
	default:
		if status > 0 && errMsg == "" {
			return fingerprint.GenerateHTTPStatus(url, status)
		}
		return fingerprint.Generate(url, status, errMsg)
	}
}
