package models

import (
	"time"
)

// RunStatus represents the state of a scan run
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// RunType identifies how a run was submitted
type RunType string

const (
	RunTypeManual    RunType = "manual"
	RunTypeScheduled RunType = "scheduled"
	RunTypeWebhook   RunType = "webhook"
)

// Run represents a batch of URLs submitted together. A run owns one
// finding per URL and completes once every finding reaches a terminal
// state.
//
// Lifecycle:
//   - queued: created, no jobs enqueued yet
//   - in_progress: at least one scan job enqueued
//   - completed: every child finding is terminal
//   - failed: submission-level failure (no findings created)
//
// A run never moves backward through these states.
type Run struct {
	ID           string     `json:"id" db:"id"`
	Status       RunStatus  `json:"status" db:"status"`
	RunType      RunType    `json:"run_type" db:"run_type"`
	SubmittedAt  time.Time  `json:"submitted_at" db:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	URLCount     int        `json:"url_count" db:"url_count"`
	FindingCount int        `json:"finding_count" db:"finding_count"`
	Payload      string     `json:"payload,omitempty" db:"payload"` // Opaque submitter payload (JSON)
	Error        string     `json:"error,omitempty" db:"error"`
}

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionTo enforces forward-only run transitions
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusInProgress || next == RunStatusCompleted || next == RunStatusFailed
	case RunStatusInProgress:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}
