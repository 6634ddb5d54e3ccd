package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy defines retry behavior with exponential backoff
type RetryPolicy struct {
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes []int
}

// NewRetryPolicy creates the default fetch retry policy
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialBackoff:    time.Second,
		MaxBackoff:        20 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableStatusCodes: []int{
			408, // Request Timeout
			429, // Too Many Requests
			500, // Internal Server Error
			502, // Bad Gateway
			503, // Service Unavailable
			504, // Gateway Timeout
		},
	}
}

// ShouldRetry reports whether a failed attempt is worth retrying
func (p *RetryPolicy) ShouldRetry(statusCode int, err error) bool {
	if err != nil {
		return isRetryableError(err)
	}
	return p.isRetryableStatusCode(statusCode)
}

// CalculateBackoff returns the backoff before attempt N (zero-based),
// exponential with ±25% jitter
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter

	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}
	return time.Duration(backoff)
}

func (p *RetryPolicy) isRetryableStatusCode(statusCode int) bool {
	for _, code := range p.RetryableStatusCodes {
		if statusCode == code {
			return true
		}
	}
	return false
}

// isRetryableError matches timeouts and connection-level failures
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// isTimeoutError distinguishes timeouts from other network failures for
// error-type classification
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
