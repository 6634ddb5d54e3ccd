package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// ReasonBreakerOpen marks a fetch skipped by an open circuit breaker
const ReasonBreakerOpen = "breaker_open"

// Options configure one fetch
type Options struct {
	Method    string
	Headers   map[string]string
	Body      []byte
	TimeoutMs int
	// Retries overrides the configured retry count; nil means use the
	// config default, an explicit 0 means a single attempt
	Retries         *int
	FollowRedirects *bool
	// TargetID enables breaker integration when set
	TargetID string
	// FindingID is threaded into alerts when the fetch belongs to a finding
	FindingID string
}

func (o Options) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

func (o Options) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

func (o Options) followRedirects() bool {
	return o.FollowRedirects == nil || *o.FollowRedirects
}

// Result is the outcome of a fetch after retries
type Result struct {
	Status    int         `json:"status,omitempty"`
	Body      []byte      `json:"-"`
	Headers   http.Header `json:"-"`
	Error     string      `json:"error,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
	Success   bool        `json:"success"`
	Attempts  int         `json:"attempts"`
	Skipped   bool        `json:"skipped,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	// ErrorType classifies the final failure for the rules engine
	ErrorType models.ErrorType `json:"error_type,omitempty"`
	// Suppression is the rules engine verdict for the final outcome, when
	// one was consulted
	Suppression *interfaces.SuppressionDecision `json:"suppression,omitempty"`
}

// Fetcher wraps an adapter with retries, the per-target circuit breaker,
// and the rules engine. The adapter performs attempts; everything above a
// single request lives here.
type Fetcher struct {
	adapter Adapter
	breaker interfaces.CircuitBreaker
	rules   interfaces.SuppressionChecker
	alerts  interfaces.AlertSender
	config  common.FetcherConfig
	policy  *RetryPolicy
	logger  arbor.ILogger

	// sleep is swappable so retry tests run without wall-clock delays
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher. The rules checker and alert sender are optional;
// when nil the fetch still runs but no suppression or alerting happens.
func New(adapter Adapter, cb interfaces.CircuitBreaker, rules interfaces.SuppressionChecker, alerts interfaces.AlertSender, config common.FetcherConfig, logger arbor.ILogger) *Fetcher {
	return &Fetcher{
		adapter: adapter,
		breaker: cb,
		rules:   rules,
		alerts:  alerts,
		config:  config,
		policy:  NewRetryPolicy(),
		logger:  logger,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Fetch probes one URL: breaker gate, attempt loop with backoff, breaker
// outcome recording, then a single rules-engine consult on the final
// outcome (alert on unsuppressed failure, latency alert on slow success).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) *Result {
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = f.config.TimeoutMs
	}
	retries := f.config.Retries
	if opts.Retries != nil && *opts.Retries >= 0 {
		retries = *opts.Retries
	}

	if opts.TargetID != "" && f.breaker != nil && f.breaker.Enabled() && f.breaker.ShouldSkip(ctx, opts.TargetID) {
		f.logger.Info().Str("url", rawURL).Str("target", opts.TargetID).Msg("Fetch skipped, breaker open")
		return &Result{Success: false, Skipped: true, Reason: ReasonBreakerOpen, LatencyMs: 0}
	}

	maxAttempts := 1 + retries
	var attempt *attemptResult
	var attemptErr error
	attempts := 0

	for i := 0; i < maxAttempts; i++ {
		attempts = i + 1
		attempt, attemptErr = f.adapter.Do(ctx, rawURL, opts)
		f.recordBreakerOutcome(ctx, opts.TargetID, attempt, attemptErr)

		if attemptErr == nil && !f.policy.isRetryableStatusCode(attempt.Status) {
			break
		}
		if !f.policy.ShouldRetry(statusOf(attempt), attemptErr) {
			break
		}
		if i == maxAttempts-1 {
			break
		}

		backoff := f.policy.CalculateBackoff(i)
		f.logger.Debug().
			Str("url", rawURL).
			Int("attempt", attempts).
			Int("status", statusOf(attempt)).
			Err(attemptErr).
			Dur("backoff", backoff).
			Msg("Retrying fetch after backoff")
		if err := f.sleep(ctx, backoff); err != nil {
			attemptErr = err
			break
		}
	}

	result := f.buildResult(rawURL, attempt, attemptErr, attempts)
	f.consultRules(ctx, rawURL, opts, result)
	return result
}

func statusOf(attempt *attemptResult) int {
	if attempt == nil {
		return 0
	}
	return attempt.Status
}

// recordBreakerOutcome feeds one attempt into the breaker: success on
// 2xx, failure on 5xx or transport errors, nothing on 3xx/4xx
func (f *Fetcher) recordBreakerOutcome(ctx context.Context, targetID string, attempt *attemptResult, attemptErr error) {
	if targetID == "" || f.breaker == nil || !f.breaker.Enabled() {
		return
	}

	var err error
	switch {
	case attemptErr != nil:
		err = f.breaker.RecordFailure(ctx, targetID)
	case attempt.Status >= 200 && attempt.Status < 300:
		err = f.breaker.RecordSuccess(ctx, targetID)
	case attempt.Status >= 500:
		err = f.breaker.RecordFailure(ctx, targetID)
	}
	if err != nil {
		f.logger.Warn().Err(err).Str("target", targetID).Msg("Failed to record breaker outcome")
	}
}

func (f *Fetcher) buildResult(rawURL string, attempt *attemptResult, attemptErr error, attempts int) *Result {
	result := &Result{Attempts: attempts}
	if attempt != nil {
		result.Status = attempt.Status
		result.Body = attempt.Body
		result.Headers = attempt.Headers
		result.LatencyMs = attempt.LatencyMs
	}

	switch {
	case attemptErr != nil:
		result.Error = attemptErr.Error()
		if isTimeoutError(attemptErr) {
			result.ErrorType = models.ErrorTypeTimeout
		} else {
			result.ErrorType = models.ErrorTypeNetwork
		}
	case result.Status >= 200 && result.Status < 300:
		result.Success = true
	case result.Status >= 500:
		result.ErrorType = models.ErrorType5xx
	}
	return result
}

// consultRules runs the final outcome through the rules engine exactly
// once and emits an alert when warranted. Healthy and 3xx/4xx outcomes
// are consulted as neutral probes so allow-list, maintenance, robots and
// cooldown suppression still apply, but they never alert.
func (f *Fetcher) consultRules(ctx context.Context, rawURL string, opts Options, result *Result) {
	if f.rules == nil {
		return
	}

	if result.Success && f.rules.ShouldAlertLatency(rawURL, result.LatencyMs) {
		decision := f.rules.CheckSuppression(ctx, rawURL, models.ErrorTypeLatency, result.Status, "", result.LatencyMs)
		result.Suppression = decision
		if !decision.Suppressed {
			f.emitAlert(ctx, rawURL, opts, result, models.ErrorTypeLatency, decision)
		}
		return
	}

	if result.ErrorType == "" {
		// Healthy or 3xx/4xx: neutral probe, suppression only
		result.Suppression = f.rules.CheckSuppression(ctx, rawURL, models.ErrorType5xx, result.Status, "", result.LatencyMs)
		return
	}

	decision := f.rules.CheckSuppression(ctx, rawURL, result.ErrorType, result.Status, result.Error, result.LatencyMs)
	result.Suppression = decision
	if !decision.Suppressed {
		f.emitAlert(ctx, rawURL, opts, result, result.ErrorType, decision)
	}
}

func (f *Fetcher) emitAlert(ctx context.Context, rawURL string, opts Options, result *Result, errorType models.ErrorType, decision *interfaces.SuppressionDecision) {
	if f.alerts == nil {
		return
	}

	alert := &models.Alert{
		FindingID:   opts.FindingID,
		URL:         rawURL,
		ErrorType:   errorType,
		Status:      result.Status,
		LatencyMs:   result.LatencyMs,
		Error:       result.Error,
		Timestamp:   time.Now().UTC(),
		Fingerprint: decision.Fingerprint,
		IsFirstSeen: decision.FirstSeen,
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		alert.Host = parsed.Host
		alert.Path = parsed.Path
	}
	f.alerts.SendAlert(ctx, alert)
}
