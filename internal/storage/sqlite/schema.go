package sqlite

import "fmt"

// jobTableDDL is the schema named in spec §6: job(id, kind, subject_id,
// status, progress, stage, message, error, payload_json, result_json,
// created_at, started_at, completed_at). payload_json/result_json carry
// the opaque Bag; unknown fields survive a round trip (spec §9).
const jobTableDDL = `
CREATE TABLE IF NOT EXISTS job (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	subject_id   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	progress     REAL NOT NULL DEFAULT 0,
	stage        TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	result_json  TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_job_status_created ON job(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_subject_kind ON job(subject_id, kind);
`

// projectTableDDL holds the project rows the same relational store keeps
// alongside job rows (spec §6). The core only reads the id, the lifecycle
// status, and the operator-set policy flags; every other domain field
// belongs to external collaborators.
const projectTableDDL = `
CREATE TABLE IF NOT EXISTS project (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	policy_json TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_project_status ON project(status);
`

// InitSchema creates the job and project tables if they do not already exist.
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(jobTableDDL); err != nil {
		return fmt.Errorf("create job table: %w", err)
	}
	if _, err := s.db.Exec(projectTableDDL); err != nil {
		return fmt.Errorf("create project table: %w", err)
	}
	return nil
}
