package alerts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/kv"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
)

type postRecorder struct {
	mu       sync.Mutex
	messages []*slack.WebhookMessage
	err      error
}

func (p *postRecorder) post(ctx context.Context, webhookURL string, msg *slack.WebhookMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *postRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func newTestEmitter(t *testing.T) (*Emitter, *postRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := kv.NewClientFromAddr(mr.Addr(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	recorder := &postRecorder{}
	emitter := NewEmitter(client, common.SlackConfig{
		WebhookURL:  "https://hooks.slack.example.com/T/B/x",
		ActionToken: "secret-token",
		BaseURL:     "https://vigil.example.com",
	}, common.GetLogger())
	emitter.post = recorder.post
	return emitter, recorder
}

func testAlert() *models.Alert {
	return &models.Alert{
		FindingID:   "f-1",
		URL:         "https://example.com/checkout",
		ErrorType:   models.ErrorType5xx,
		Status:      503,
		LatencyMs:   412,
		Timestamp:   time.Now().UTC(),
		Fingerprint: "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
		IsFirstSeen: true,
		Host:        "example.com",
		Path:        "/checkout",
	}
}

func TestSendAlertPostsMessage(t *testing.T) {
	emitter, recorder := newTestEmitter(t)

	emitter.SendAlert(context.Background(), testAlert())
	emitter.Wait()

	require.Equal(t, 1, recorder.count())
	msg := recorder.messages[0]
	require.Len(t, msg.Attachments, 1)

	attachment := msg.Attachments[0]
	assert.Contains(t, attachment.Title, ":rotating_light:")
	assert.Contains(t, attachment.Title, "example.com")

	// Action links carry the shared token and the finding id
	require.Len(t, attachment.Actions, 2)
	assert.Contains(t, attachment.Actions[0].URL, "action=reverify")
	assert.Contains(t, attachment.Actions[0].URL, "findingId=f-1")
	assert.Contains(t, attachment.Actions[0].URL, "t=secret-token")
	assert.Contains(t, attachment.Actions[1].URL, "action=suppress24h")
}

func TestSendAlertSkipsSuppressedFingerprint(t *testing.T) {
	emitter, recorder := newTestEmitter(t)
	alert := testAlert()

	require.NoError(t, emitter.SuppressFingerprint(context.Background(), alert.Fingerprint))

	emitter.SendAlert(context.Background(), alert)
	emitter.Wait()

	assert.Equal(t, 0, recorder.count(), "muted fingerprints must not alert")
}

func TestSendAlertDropsWebhookError(t *testing.T) {
	emitter, recorder := newTestEmitter(t)
	recorder.err = errors.New("slack is down")

	// Must not panic or block the caller
	emitter.SendAlert(context.Background(), testAlert())
	emitter.Wait()

	assert.Equal(t, 0, recorder.count())
}

func TestSendAlertWithoutWebhookConfigured(t *testing.T) {
	emitter, recorder := newTestEmitter(t)
	emitter.config.WebhookURL = ""

	emitter.SendAlert(context.Background(), testAlert())
	emitter.Wait()

	assert.Equal(t, 0, recorder.count())
}

func TestEmojiPerErrorType(t *testing.T) {
	emitter, recorder := newTestEmitter(t)

	expected := map[models.ErrorType]string{
		models.ErrorType5xx:     ":rotating_light:",
		models.ErrorTypeLatency: ":snail:",
		models.ErrorTypeTimeout: ":hourglass:",
		models.ErrorTypeNetwork: ":electric_plug:",
	}

	for errorType := range expected {
		alert := testAlert()
		alert.ErrorType = errorType
		alert.Fingerprint = "fp-" + string(errorType)
		emitter.SendAlert(context.Background(), alert)
	}
	emitter.Wait()

	require.Equal(t, len(expected), recorder.count())
	for _, msg := range recorder.messages {
		title := msg.Attachments[0].Title
		found := false
		for _, emoji := range expected {
			if strings.Contains(title, emoji) {
				found = true
			}
		}
		assert.True(t, found, title)
	}
}

func TestSendAlertCountsSuccessfulPosts(t *testing.T) {
	emitter, recorder := newTestEmitter(t)
	m := metrics.New()
	emitter.SetMetrics(m)

	emitter.SendAlert(context.Background(), testAlert())
	emitter.Wait()
	require.Equal(t, 1, recorder.count())

	assert.Contains(t, metricsBody(t, m), `vigil_alerts_sent_total{error_type="5xx"} 1`)
}

func TestSendAlertDoesNotCountFailedPosts(t *testing.T) {
	emitter, recorder := newTestEmitter(t)
	m := metrics.New()
	emitter.SetMetrics(m)
	recorder.err = errors.New("slack is down")

	emitter.SendAlert(context.Background(), testAlert())
	emitter.Wait()

	assert.NotContains(t, metricsBody(t, m), "vigil_alerts_sent_total")
}

func metricsBody(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	return recorder.Body.String()
}

func TestSuppressFingerprintTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := kv.NewClientFromAddr(mr.Addr(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	emitter := NewEmitter(client, common.SlackConfig{WebhookURL: "https://hooks.example.com/x"}, common.GetLogger())
	require.NoError(t, emitter.SuppressFingerprint(context.Background(), "fp-1"))

	ttl, err := client.TTL(context.Background(), suppressKeyPrefix+"fp-1")
	require.NoError(t, err)
	assert.True(t, ttl > 23*time.Hour && ttl <= 24*time.Hour)
}
