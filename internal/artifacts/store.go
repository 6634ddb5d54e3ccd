package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Store writes evidence files under the artifact root and records their
// rows. Layout: <root>/<run_id>/<finding_id>/<type file name>.
type Store struct {
	root          string
	retentionDays int
	storage       interfaces.ArtifactStorage
	logger        arbor.ILogger
}

// orphanDir holds artifacts for findings whose run was deleted
const orphanDir = "_orphaned"

// NewStore creates an artifact store rooted at config.Root
func NewStore(config common.ArtifactsConfig, storage interfaces.ArtifactStorage, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", config.Root, err)
	}
	return &Store{
		root:          config.Root,
		retentionDays: config.RetentionDays,
		storage:       storage,
		logger:        logger,
	}, nil
}

// Root returns the artifact root directory
func (s *Store) Root() string {
	return s.root
}

// SaveCapture persists every evidence file from a capture and records one
// artifact row per file
func (s *Store) SaveCapture(ctx context.Context, runID, findingID string, capture *interfaces.CaptureResult) ([]models.Artifact, error) {
	files := map[models.ArtifactType][]byte{
		models.ArtifactTypeScreenshot:  capture.Screenshot,
		models.ArtifactTypeHAR:         capture.HAR,
		models.ArtifactTypeHTML:        capture.HTML,
		models.ArtifactTypeConsoleLogs: capture.ConsoleLogs,
	}

	saved := make([]models.Artifact, 0, len(files))
	for _, artifactType := range []models.ArtifactType{
		models.ArtifactTypeScreenshot, models.ArtifactTypeHAR,
		models.ArtifactTypeHTML, models.ArtifactTypeConsoleLogs,
	} {
		data := files[artifactType]
		if len(data) == 0 {
			continue
		}
		artifact, err := s.saveOne(ctx, runID, findingID, artifactType, data)
		if err != nil {
			return saved, err
		}
		saved = append(saved, *artifact)
	}
	return saved, nil
}

// SaveCaptureError records a capture failure as a console_logs artifact
// so failed renders still leave evidence behind
func (s *Store) SaveCaptureError(ctx context.Context, runID, findingID, url string, captureErr error) (*models.Artifact, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"error":     captureErr.Error(),
		"url":       url,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return s.saveOne(ctx, runID, findingID, models.ArtifactTypeConsoleLogs, payload)
}

func (s *Store) saveOne(ctx context.Context, runID, findingID string, artifactType models.ArtifactType, data []byte) (*models.Artifact, error) {
	if runID == "" {
		runID = orphanDir
	}

	relPath := filepath.Join(runID, findingID, artifactType.FileName())
	absPath := filepath.Join(s.root, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write artifact %s: %w", relPath, err)
	}

	now := time.Now().UTC()
	artifact := &models.Artifact{
		ID:        common.NewID(),
		FindingID: findingID,
		Type:      artifactType,
		Path:      relPath,
		SizeBytes: int64(len(data)),
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, s.retentionDays),
	}
	if err := s.storage.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("finding_id", findingID).
		Str("type", string(artifactType)).
		Int64("size", artifact.SizeBytes).
		Msg("Artifact saved")
	return artifact, nil
}
