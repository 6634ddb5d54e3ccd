package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

const defaultUserAgent = "vigil-scanner/1.0"

// Capturer drives a shared headless Chrome instance. Each capture runs
// in its own tab context so a crashed page never takes down the browser.
type Capturer struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	config        common.BrowserConfig
	logger        arbor.ILogger
	mu            sync.Mutex
	closed        bool
}

// NewCapturer launches the headless browser and verifies it responds
func NewCapturer(config common.BrowserConfig, logger arbor.ILogger) (*Capturer, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(defaultUserAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Startup test so a broken Chrome install fails at boot, not on the
	// first render job
	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	logger.Info().
		Int("timeout_ms", config.TimeoutMs).
		Str("wait_until", config.WaitUntil).
		Msg("Headless browser started")

	return &Capturer{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		config:        config,
		logger:        logger,
	}, nil
}

// CaptureEvidence navigates to the URL in a fresh tab and collects a
// screenshot, the rendered HTML, console output and a request log
func (c *Capturer) CaptureEvidence(ctx context.Context, url string, opts interfaces.CaptureOptions) (*interfaces.CaptureResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("browser capturer is closed")
	}
	c.mu.Unlock()

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	settle := time.Duration(opts.SettleMs) * time.Millisecond

	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)
	defer tabCancel()
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout)
	defer runCancel()

	console := newConsoleRecorder()
	requests := newRequestRecorder()

	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			console.recordCall(e)
		case *runtime.EventExceptionThrown:
			console.recordException(e)
		case *network.EventRequestWillBeSent:
			requests.recordRequest(e)
		case *network.EventResponseReceived:
			requests.recordResponse(e)
		}
	})

	started := time.Now()
	var screenshot []byte
	var html, finalURL, title string

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(url),
	}
	if opts.WaitUntil == "networkidle" {
		actions = append(actions, waitNetworkIdle(requests, 500*time.Millisecond))
	}
	if settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.FullScreenshot(&screenshot, 90),
		chromedp.OuterHTML("html", &html),
	)

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return nil, fmt.Errorf("capture failed for %s: %w", url, err)
	}

	result := &interfaces.CaptureResult{
		Screenshot:  screenshot,
		HTML:        []byte(html),
		ConsoleLogs: console.marshal(),
		HAR:         requests.marshalHAR(started),
		Metadata: map[string]interface{}{
			"final_url":      finalURL,
			"title":          title,
			"render_ms":      time.Since(started).Milliseconds(),
			"console_errors": console.errorCount(),
			"request_count":  requests.count(),
		},
	}

	c.logger.Debug().
		Str("url", url).
		Str("final_url", finalURL).
		Int("requests", requests.count()).
		Int64("render_ms", time.Since(started).Milliseconds()).
		Msg("Evidence captured")

	return result, nil
}

// waitNetworkIdle polls the request recorder until no request has
// started or finished within the quiet window
func waitNetworkIdle(requests *requestRecorder, quiet time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if time.Since(requests.lastActivity()) >= quiet {
					return nil
				}
			}
		}
	})
}

// Close shuts the browser down
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.browserCancel()
	c.allocCancel()
	c.logger.Info().Msg("Headless browser stopped")
	return nil
}

var _ interfaces.EvidenceCapturer = (*Capturer)(nil)
