package common

import (
	"github.com/google/uuid"
)

// NewID generates a unique identifier for runs, findings, and artifacts
func NewID() string {
	return uuid.New().String()
}

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// IsValidUUID reports whether s parses as a UUID
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
