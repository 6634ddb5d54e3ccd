package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names for the two pipeline stages
const (
	ScanQueue   = "scan-queue"
	RenderQueue = "render-queue"
)

// JobStatus represents the state of a queued job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of pipeline work. Scan jobs decide whether a URL should
// be probed; render jobs capture evidence for it. The job body lives in
// the shared KV store keyed by job id, with the queue itself a list of ids.
type Job struct {
	ID          string                 `json:"id"`
	Queue       string                 `json:"queue"`
	FindingID   string                 `json:"finding_id"`
	URL         string                 `json:"url"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Status      JobStatus              `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ToJSON serializes the job for the KV job store
func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return string(data), nil
}

// JobFromJSON deserializes a job from its KV representation
func JobFromJSON(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
