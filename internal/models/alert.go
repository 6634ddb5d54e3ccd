package models

import (
	"time"
)

// ErrorType classifies a fetch outcome for the rules engine and alerting
type ErrorType string

const (
	ErrorType5xx     ErrorType = "5xx"
	ErrorTypeLatency ErrorType = "latency"
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeNetwork ErrorType = "network"
)

// Alert is the payload posted to the chat webhook when a non-suppressed
// failure or latency breach is observed
type Alert struct {
	FindingID   string    `json:"finding_id"`
	URL         string    `json:"url"`
	ErrorType   ErrorType `json:"error_type"`
	Status      int       `json:"status,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	IsFirstSeen bool      `json:"is_first_seen,omitempty"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
}
