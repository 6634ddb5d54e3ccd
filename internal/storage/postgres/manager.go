package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            UUID PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'queued',
	run_type      TEXT NOT NULL DEFAULT 'manual',
	submitted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	url_count     INTEGER NOT NULL DEFAULT 0,
	finding_count INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS findings (
	id             UUID PRIMARY KEY,
	run_id         UUID REFERENCES runs(id) ON DELETE SET NULL,
	url            TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	finding_type   TEXT NOT NULL DEFAULT '',
	severity       TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	detected_value TEXT NOT NULL DEFAULT '',
	context        TEXT NOT NULL DEFAULT '',
	fingerprint    TEXT NOT NULL DEFAULT '',
	verified       BOOLEAN NOT NULL DEFAULT FALSE,
	false_positive BOOLEAN NOT NULL DEFAULT FALSE,
	metadata       TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         UUID PRIMARY KEY,
	finding_id UUID NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	path       TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reverify_attempts (
	id           UUID PRIMARY KEY,
	finding_id   UUID NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	requester_ip TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	result       TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint);
CREATE INDEX IF NOT EXISTS idx_artifacts_finding_id ON artifacts(finding_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_expires_at ON artifacts(expires_at);
CREATE INDEX IF NOT EXISTS idx_reverify_finding_id ON reverify_attempts(finding_id);
`

// Manager aggregates the SQL-backed stores over one connection pool
type Manager struct {
	db       *sqlx.DB
	logger   arbor.ILogger
	runs     *RunStore
	findings *FindingStore
	artifact *ArtifactStore
	reverify *ReverifyStore
}

// NewManager connects to PostgreSQL, applies the schema, and builds the
// stores
func NewManager(config common.DatabaseConfig, logger arbor.ILogger) (*Manager, error) {
	db, err := sqlx.Connect("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info().
		Str("host", config.Host).
		Str("database", config.Name).
		Msg("Database connected")

	return newManagerWithDB(db, logger), nil
}

// newManagerWithDB wires the stores over an existing connection; used
// directly by tests with a mock database
func newManagerWithDB(db *sqlx.DB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		logger:   logger,
		runs:     &RunStore{db: db},
		findings: &FindingStore{db: db},
		artifact: &ArtifactStore{db: db},
		reverify: &ReverifyStore{db: db},
	}
}

func (m *Manager) Runs() interfaces.RunStorage                  { return m.runs }
func (m *Manager) Findings() interfaces.FindingStorage          { return m.findings }
func (m *Manager) Artifacts() interfaces.ArtifactStorage        { return m.artifact }
func (m *Manager) ReverifyAttempts() interfaces.ReverifyStorage { return m.reverify }

// Ping verifies database connectivity
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close releases the connection pool
func (m *Manager) Close() error {
	return m.db.Close()
}

var _ interfaces.StorageManager = (*Manager)(nil)
