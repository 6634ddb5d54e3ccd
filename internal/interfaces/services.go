package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// SuppressionDecision is the rules engine verdict for one fetch outcome
type SuppressionDecision struct {
	Suppressed      bool   `json:"suppressed"`
	Reason          string `json:"reason,omitempty"` // "allowlist", "maintenance", "robots", "cooldown"
	RuleID          string `json:"rule_id,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	CooldownSeconds int    `json:"cooldown_seconds,omitempty"`
	FirstSeen       bool   `json:"first_seen,omitempty"`
}

// SuppressionChecker decides whether a fetch outcome should be acted on.
// Implemented by the rules engine; consumed by the fetcher and scan worker.
type SuppressionChecker interface {
	CheckSuppression(ctx context.Context, url string, errorType models.ErrorType, status int, errMsg string, latencyMs int64) *SuppressionDecision
	ShouldAlertLatency(url string, latencyMs int64) bool
}

// CircuitBreaker throttles outbound probes per target
type CircuitBreaker interface {
	Enabled() bool
	ShouldSkip(ctx context.Context, targetID string) bool
	RecordSuccess(ctx context.Context, targetID string) error
	RecordFailure(ctx context.Context, targetID string) error
}

// AlertSender posts alerts to the configured chat webhook. Implementations
// never block caller flow: webhook errors are logged and dropped.
type AlertSender interface {
	SendAlert(ctx context.Context, alert *models.Alert)
}

// Enqueuer enqueues pipeline jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// CaptureOptions configure one evidence capture
type CaptureOptions struct {
	TimeoutMs int    `json:"timeout_ms"`
	WaitUntil string `json:"wait_until"` // "load" or "networkidle"
	SettleMs  int    `json:"settle_ms"`
}

// CaptureResult is the evidence captured for one URL
type CaptureResult struct {
	Screenshot  []byte                 `json:"-"`
	HAR         []byte                 `json:"-"`
	HTML        []byte                 `json:"-"`
	ConsoleLogs []byte                 `json:"-"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EvidenceCapturer drives the headless browser
type EvidenceCapturer interface {
	CaptureEvidence(ctx context.Context, url string, opts CaptureOptions) (*CaptureResult, error)
	Close() error
}
