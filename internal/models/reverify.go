package models

import (
	"time"
)

// ReverifySource identifies where a re-verify request came from
type ReverifySource string

const (
	ReverifySourceAPI   ReverifySource = "api"
	ReverifySourceSlack ReverifySource = "slack"
)

// ReverifyResult is the outcome of a re-verify request
type ReverifyResult string

const (
	ReverifyResultOK          ReverifyResult = "ok"
	ReverifyResultDuplicate   ReverifyResult = "duplicate"
	ReverifyResultRateLimited ReverifyResult = "rate_limited"
	ReverifyResultNotFound    ReverifyResult = "not_found"
	ReverifyResultError       ReverifyResult = "error"
)

// ReverifyAttempt is the audit record of one re-verify request against a
// finding. Rows cascade on finding delete.
type ReverifyAttempt struct {
	ID          string         `json:"id" db:"id"`
	FindingID   string         `json:"finding_id" db:"finding_id"`
	RequestedAt time.Time      `json:"requested_at" db:"requested_at"`
	RequesterIP string         `json:"requester_ip,omitempty" db:"requester_ip"`
	UserAgent   string         `json:"user_agent,omitempty" db:"user_agent"`
	Source      ReverifySource `json:"source" db:"source"`
	Result      ReverifyResult `json:"result" db:"result"`
	JobID       string         `json:"job_id,omitempty" db:"job_id"` // Set when a scan job was enqueued
}

// ReverifyResponse is returned to callers of the re-verify coordinator
type ReverifyResponse struct {
	OK                bool           `json:"ok"`
	Result            ReverifyResult `json:"result"`
	JobID             string         `json:"jobId,omitempty"`
	RemainingAttempts *int           `json:"remainingAttempts,omitempty"`
	Message           string         `json:"message,omitempty"`
}
