package browser

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/interfaces"
)

// NoopCapturer stands in when the headless browser is disabled. Captures
// succeed with no artifacts so the pipeline still resolves findings.
type NoopCapturer struct {
	logger arbor.ILogger
}

func NewNoopCapturer(logger arbor.ILogger) *NoopCapturer {
	return &NoopCapturer{logger: logger}
}

func (n *NoopCapturer) CaptureEvidence(ctx context.Context, url string, opts interfaces.CaptureOptions) (*interfaces.CaptureResult, error) {
	n.logger.Debug().Str("url", url).Msg("Browser disabled, skipping evidence capture")
	return &interfaces.CaptureResult{
		Metadata: map[string]interface{}{
			"browser_disabled": true,
			"captured_at":      time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func (n *NoopCapturer) Close() error { return nil }

var _ interfaces.EvidenceCapturer = (*NoopCapturer)(nil)
