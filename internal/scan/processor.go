package scan

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/artifacts"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/fetcher"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
)

// Prober probes one URL. Implemented by the fetcher, which carries the
// retry policy, circuit breaker, and rules engine behind this call.
type Prober interface {
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) *fetcher.Result
}

// Processor implements the scan and render job handlers. Scan jobs probe
// a URL and decide what becomes of its finding; render jobs capture
// evidence for findings that represent a real, unsuppressed failure.
type Processor struct {
	service   *Service
	storage   interfaces.StorageManager
	prober    Prober
	enqueuer  interfaces.Enqueuer
	capturer  interfaces.EvidenceCapturer
	artifacts *artifacts.Store
	browser   common.BrowserConfig
	metrics   *metrics.Metrics
	logger    arbor.ILogger
}

// NewProcessor wires the job handlers
func NewProcessor(service *Service, storage interfaces.StorageManager, prober Prober, enqueuer interfaces.Enqueuer, capturer interfaces.EvidenceCapturer, artifactStore *artifacts.Store, browser common.BrowserConfig, logger arbor.ILogger) *Processor {
	return &Processor{
		service:   service,
		storage:   storage,
		prober:    prober,
		enqueuer:  enqueuer,
		capturer:  capturer,
		artifacts: artifactStore,
		browser:   browser,
		logger:    logger,
	}
}

// SetMetrics attaches the instrument set; safe to leave unset in tests
func (p *Processor) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// ProcessScanJob probes one finding's URL through the fetcher and routes
// the outcome:
//   - suppressed (allow-list, maintenance, robots, cooldown): the finding
//     is marked suppressed with the verdict and no render job runs
//   - otherwise: the finding advances to the render queue for evidence
//   - breaker open: the job errors so the queue retries later
func (p *Processor) ProcessScanJob(ctx context.Context, job *models.Job) error {
	finding, err := p.storage.Findings().GetFinding(ctx, job.FindingID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			p.logger.Warn().Str("finding_id", job.FindingID).Msg("Scan job for missing finding, dropping")
			return nil
		}
		return err
	}

	if err := p.storage.Findings().UpdateFindingStatus(ctx, finding.ID, models.FindingStatusScanning); err != nil {
		return err
	}
	finding.Status = models.FindingStatusScanning

	result := p.prober.Fetch(ctx, finding.URL, fetcher.Options{
		TargetID:  targetIDOf(finding.URL),
		FindingID: finding.ID,
	})

	if result.Skipped {
		return fmt.Errorf("fetch skipped for %s: %s", finding.URL, result.Reason)
	}

	decision := result.Suppression
	if decision == nil {
		// Rules engine disabled; treat as a plain unsuppressed probe
		decision = &interfaces.SuppressionDecision{}
	}

	if decision.Suppressed {
		return p.suppressFinding(ctx, finding, decision)
	}

	return p.advanceToRender(ctx, finding, result, decision)
}

func (p *Processor) suppressFinding(ctx context.Context, finding *models.Finding, decision *interfaces.SuppressionDecision) error {
	finding.Status = models.FindingStatusSuppressed
	if decision.Fingerprint != "" {
		finding.Fingerprint = decision.Fingerprint
	}
	metadata := map[string]interface{}{
		"suppression_reason": decision.Reason,
	}
	if decision.RuleID != "" {
		metadata["rule_id"] = decision.RuleID
	}
	if decision.CooldownSeconds > 0 {
		metadata["cooldown_seconds"] = decision.CooldownSeconds
	}
	if err := finding.MergeMetadata(metadata); err != nil {
		return err
	}
	if err := p.storage.Findings().UpdateFinding(ctx, finding); err != nil {
		return err
	}

	p.logger.Info().
		Str("finding_id", finding.ID).
		Str("url", finding.URL).
		Str("reason", decision.Reason).
		Msg("Finding suppressed")
	p.metrics.Suppressed(decision.Reason)
	p.metrics.FindingResolved(string(models.FindingStatusSuppressed))
	p.rollup(ctx, finding)
	return nil
}

func (p *Processor) advanceToRender(ctx context.Context, finding *models.Finding, result *fetcher.Result, decision *interfaces.SuppressionDecision) error {
	if decision.Fingerprint != "" {
		finding.Fingerprint = decision.Fingerprint
	}
	metadata := map[string]interface{}{
		"first_seen": decision.FirstSeen,
		"latency_ms": result.LatencyMs,
		"attempts":   result.Attempts,
	}
	if result.Status > 0 {
		metadata["status_code"] = result.Status
	}
	if result.Error != "" {
		metadata["fetch_error"] = result.Error
	}
	if result.ErrorType != "" {
		metadata["error_type"] = string(result.ErrorType)
	}
	if err := finding.MergeMetadata(metadata); err != nil {
		return err
	}
	if err := p.storage.Findings().UpdateFinding(ctx, finding); err != nil {
		return err
	}

	renderJob := &models.Job{
		Queue:     models.RenderQueue,
		FindingID: finding.ID,
		URL:       finding.URL,
	}
	if err := p.enqueuer.Enqueue(ctx, renderJob); err != nil {
		return fmt.Errorf("failed to enqueue render job for finding %s: %w", finding.ID, err)
	}
	return nil
}

// ProcessRenderJob captures evidence for one finding. A capture failure
// leaves a console_logs artifact with the error and returns the error so
// the queue retries.
func (p *Processor) ProcessRenderJob(ctx context.Context, job *models.Job) error {
	finding, err := p.storage.Findings().GetFinding(ctx, job.FindingID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			p.logger.Warn().Str("finding_id", job.FindingID).Msg("Render job for missing finding, dropping")
			return nil
		}
		return err
	}

	if err := p.storage.Findings().UpdateFindingStatus(ctx, finding.ID, models.FindingStatusProcessing); err != nil {
		return err
	}
	finding.Status = models.FindingStatusProcessing

	opts := interfaces.CaptureOptions{
		TimeoutMs: p.browser.TimeoutMs,
		WaitUntil: p.browser.WaitUntil,
		SettleMs:  p.browser.SettleMs,
	}

	capture, captureErr := p.capturer.CaptureEvidence(ctx, finding.URL, opts)
	if captureErr != nil {
		if _, saveErr := p.artifacts.SaveCaptureError(ctx, runIDOf(finding), finding.ID, finding.URL, captureErr); saveErr != nil {
			p.logger.Warn().Err(saveErr).Str("finding_id", finding.ID).Msg("Failed to save capture error artifact")
		}
		return fmt.Errorf("evidence capture failed for %s: %w", finding.URL, captureErr)
	}

	saved, err := p.artifacts.SaveCapture(ctx, runIDOf(finding), finding.ID, capture)
	if err != nil {
		return fmt.Errorf("failed to persist artifacts for finding %s: %w", finding.ID, err)
	}

	finding.Status = models.FindingStatusEvidenceCaptured
	metadata := map[string]interface{}{"artifact_count": len(saved)}
	for key, value := range capture.Metadata {
		metadata[key] = value
	}
	if err := finding.MergeMetadata(metadata); err != nil {
		return err
	}
	if err := p.storage.Findings().UpdateFinding(ctx, finding); err != nil {
		return err
	}

	p.logger.Info().
		Str("finding_id", finding.ID).
		Str("url", finding.URL).
		Int("artifacts", len(saved)).
		Msg("Evidence captured")
	p.metrics.FindingResolved(string(models.FindingStatusEvidenceCaptured))
	p.rollup(ctx, finding)
	return nil
}

func (p *Processor) rollup(ctx context.Context, finding *models.Finding) {
	if !finding.RunID.Valid {
		return
	}
	if err := p.service.CheckAndUpdateRunStatus(ctx, finding.RunID.String); err != nil {
		p.logger.Warn().Err(err).Str("run_id", finding.RunID.String).Msg("Run rollup failed")
	}
}

// targetIDOf keys the circuit breaker by host
func targetIDOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

func runIDOf(finding *models.Finding) string {
	if finding.RunID.Valid {
		return finding.RunID.String
	}
	return ""
}
