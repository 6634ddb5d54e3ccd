package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// FindingStatus represents the state of one URL's scan attempt
type FindingStatus string

const (
	FindingStatusPending          FindingStatus = "pending"
	FindingStatusScanning         FindingStatus = "scanning"
	FindingStatusProcessing       FindingStatus = "processing"
	FindingStatusEvidenceCaptured FindingStatus = "evidence_captured"
	FindingStatusSuppressed       FindingStatus = "suppressed"
	FindingStatusFailed           FindingStatus = "failed"
	FindingStatusCompleted        FindingStatus = "completed"
	FindingStatusResolved         FindingStatus = "resolved"
)

// Finding is the durable record of one URL's scan attempt and its derived
// state. Findings survive deletion of their parent run (run_id goes null)
// so operators can still re-verify them.
//
// Metadata carries scan-time context: suppression reason and rule id,
// cooldown seconds, fetch latency, breaker state. It is stored as opaque
// JSON and never queried relationally.
type Finding struct {
	ID            string         `json:"id" db:"id"`
	RunID         sql.NullString `json:"-" db:"run_id"` // Nullable after run deletion
	URL           string         `json:"url" db:"url"`
	Status        FindingStatus  `json:"status" db:"status"`
	FindingType   string         `json:"finding_type" db:"finding_type"`
	Severity      string         `json:"severity" db:"severity"`
	Title         string         `json:"title,omitempty" db:"title"`
	Description   string         `json:"description,omitempty" db:"description"`
	DetectedValue string         `json:"detected_value,omitempty" db:"detected_value"`
	Context       string         `json:"context,omitempty" db:"context"`
	Fingerprint   string         `json:"fingerprint,omitempty" db:"fingerprint"`
	Verified      bool           `json:"verified" db:"verified"`
	FalsePositive bool           `json:"false_positive" db:"false_positive"`
	Metadata      string         `json:"metadata,omitempty" db:"metadata"` // Opaque JSON
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// MarshalJSON flattens the nullable run id into a plain string field
func (f Finding) MarshalJSON() ([]byte, error) {
	type alias Finding
	runID := ""
	if f.RunID.Valid {
		runID = f.RunID.String
	}
	return json.Marshal(struct {
		alias
		RunID string `json:"run_id,omitempty"`
	}{alias(f), runID})
}

// IsTerminal reports whether the finding counts toward run completion.
// Suppressed findings are counted as terminal: a fully-suppressed run must
// still complete, and suppression stays reversible through re-verification.
func (s FindingStatus) IsTerminal() bool {
	switch s {
	case FindingStatusEvidenceCaptured, FindingStatusCompleted,
		FindingStatusFailed, FindingStatusResolved, FindingStatusSuppressed:
		return true
	}
	return false
}

// MetadataMap decodes the opaque metadata JSON. Returns an empty map when
// metadata is absent or unparseable.
func (f *Finding) MetadataMap() map[string]interface{} {
	m := make(map[string]interface{})
	if f.Metadata == "" {
		return m
	}
	if err := json.Unmarshal([]byte(f.Metadata), &m); err != nil {
		return make(map[string]interface{})
	}
	return m
}

// MergeMetadata merges keys into the finding's metadata JSON
func (f *Finding) MergeMetadata(updates map[string]interface{}) error {
	m := f.MetadataMap()
	for k, v := range updates {
		m[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f.Metadata = string(data)
	return nil
}
