package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
)

// suppressKeyPrefix marks fingerprints muted by the suppress-24h action
const suppressKeyPrefix = "suppress:fp:"

// suppressTTL is how long a suppress-24h action mutes a fingerprint
const suppressTTL = 24 * time.Hour

// Emitter posts alerts to the configured Slack webhook. It never blocks
// or fails caller flow: posts run asynchronously and webhook errors are
// logged and dropped.
type Emitter struct {
	kv      interfaces.KVStore
	config  common.SlackConfig
	metrics *metrics.Metrics
	logger  arbor.ILogger
	wg      sync.WaitGroup

	// post is swappable for tests
	post func(ctx context.Context, webhookURL string, msg *slack.WebhookMessage) error
}

// NewEmitter creates the alert emitter
func NewEmitter(kvStore interfaces.KVStore, config common.SlackConfig, logger arbor.ILogger) *Emitter {
	return &Emitter{
		kv:     kvStore,
		config: config,
		logger: logger,
		post:   slack.PostWebhookContext,
	}
}

// SendAlert posts one alert unless its fingerprint is muted. Returns
// immediately; the webhook call happens in the background.
func (e *Emitter) SendAlert(ctx context.Context, alert *models.Alert) {
	if e.config.WebhookURL == "" {
		e.logger.Debug().Str("url", alert.URL).Msg("No webhook configured, dropping alert")
		return
	}

	if alert.Fingerprint != "" {
		muted, err := e.kv.Exists(ctx, suppressKeyPrefix+alert.Fingerprint)
		if err != nil {
			e.logger.Warn().Err(err).Str("fingerprint", alert.Fingerprint).Msg("Suppression check failed, sending anyway")
		} else if muted {
			e.logger.Debug().
				Str("fingerprint", alert.Fingerprint).
				Str("url", alert.URL).
				Msg("Alert muted by suppress-24h")
			return
		}
	}

	msg := e.buildMessage(alert)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.post(postCtx, e.config.WebhookURL, msg); err != nil {
			e.logger.Warn().Err(err).Str("url", alert.URL).Msg("Webhook post failed, dropping alert")
			return
		}
		e.metrics.AlertSent(string(alert.ErrorType))
	}()
}

// SuppressFingerprint mutes a fingerprint for 24 hours
func (e *Emitter) SuppressFingerprint(ctx context.Context, fingerprint string) error {
	return e.kv.Set(ctx, suppressKeyPrefix+fingerprint, time.Now().UTC().Format(time.RFC3339), suppressTTL)
}

// SetMetrics attaches the instrument set; safe to leave unset in tests
func (e *Emitter) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Wait blocks until in-flight posts finish; used at shutdown and in tests
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) buildMessage(alert *models.Alert) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "URL", Value: alert.URL, Short: false},
		{Title: "Host", Value: alert.Host, Short: true},
		{Title: "Latency", Value: fmt.Sprintf("%d ms", alert.LatencyMs), Short: true},
	}
	if alert.Status > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Status", Value: fmt.Sprintf("%d", alert.Status), Short: true,
		})
	}
	if alert.Error != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Error", Value: alert.Error, Short: false,
		})
	}
	if alert.IsFirstSeen {
		fields = append(fields, slack.AttachmentField{
			Title: "Occurrence", Value: "first seen", Short: true,
		})
	}

	attachment := slack.Attachment{
		Color:  colorFor(alert.ErrorType),
		Title:  fmt.Sprintf("%s %s failure on %s", emojiFor(alert.ErrorType), alert.ErrorType, alert.Host),
		Fields: fields,
		Footer: fmt.Sprintf("fingerprint %s", shortFingerprint(alert.Fingerprint)),
		Ts:     json.Number(strconv.FormatInt(alert.Timestamp.Unix(), 10)),
	}

	if alert.FindingID != "" && e.config.BaseURL != "" && e.config.ActionToken != "" {
		attachment.Actions = []slack.AttachmentAction{
			{Type: "button", Text: "Re-verify", URL: e.actionLink("reverify", alert.FindingID)},
			{Type: "button", Text: "Suppress 24h", URL: e.actionLink("suppress24h", alert.FindingID)},
		}
	}

	return &slack.WebhookMessage{Attachments: []slack.Attachment{attachment}}
}

func (e *Emitter) actionLink(action, findingID string) string {
	return fmt.Sprintf("%s/api/slack/actions?action=%s&findingId=%s&t=%s",
		e.config.BaseURL, action, findingID, e.config.ActionToken)
}

func emojiFor(errorType models.ErrorType) string {
	switch errorType {
	case models.ErrorType5xx:
		return ":rotating_light:"
	case models.ErrorTypeLatency:
		return ":snail:"
	case models.ErrorTypeTimeout:
		return ":hourglass:"
	case models.ErrorTypeNetwork:
		return ":electric_plug:"
	}
	return ":warning:"
}

func colorFor(errorType models.ErrorType) string {
	switch errorType {
	case models.ErrorType5xx:
		return "danger"
	case models.ErrorTypeLatency:
		return "warning"
	}
	return "#e01e5a"
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

var _ interfaces.AlertSender = (*Emitter)(nil)
