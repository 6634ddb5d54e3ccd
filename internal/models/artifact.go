package models

import (
	"time"
)

// ArtifactType identifies the kind of evidence file
type ArtifactType string

const (
	ArtifactTypeScreenshot  ArtifactType = "screenshot"
	ArtifactTypeHAR         ArtifactType = "har"
	ArtifactTypeHTML        ArtifactType = "html"
	ArtifactTypeConsoleLogs ArtifactType = "console_logs"
)

// FileName returns the on-disk file name for the artifact type.
// Layout: <root>/<run_id>/<finding_id>/{screenshot.png,trace.har,page.html,console.json}
func (t ArtifactType) FileName() string {
	switch t {
	case ArtifactTypeScreenshot:
		return "screenshot.png"
	case ArtifactTypeHAR:
		return "trace.har"
	case ArtifactTypeHTML:
		return "page.html"
	case ArtifactTypeConsoleLogs:
		return "console.json"
	}
	return string(t)
}

// Artifact is an on-disk evidence file linked to a finding. The stored
// path is relative to the artifact root; rows cascade on finding delete.
type Artifact struct {
	ID        string       `json:"id" db:"id"`
	FindingID string       `json:"finding_id" db:"finding_id"`
	Type      ArtifactType `json:"type" db:"type"`
	Path      string       `json:"path" db:"path"` // Relative to the artifact root
	SizeBytes int64        `json:"size_bytes" db:"size_bytes"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt time.Time    `json:"expires_at" db:"expires_at"` // 7 days after creation by default
}
