package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
)

// SQLiteStore is the SQLite-backed Store (C1). A single *sql.DB connection
// is shared with the goqite queue table; writes take an in-process mutex
// on top of SQLite's own locking the way the teacher's JobStorage does,
// since modernc.org/sqlite under WAL still serializes writers.
type SQLiteStore struct {
	db              *sql.DB
	logger          arbor.ILogger
	mu              sync.Mutex
	freshnessWindow time.Duration
}

// New creates a SQLite-backed job store. freshnessWindow bounds how old a
// Pending job may be and still be eligible for ClaimNext (spec §4.1, §6).
func New(db *sql.DB, logger arbor.ILogger, freshnessWindow time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger, freshnessWindow: freshnessWindow}
}

func retryOnBusy(ctx context.Context, logger arbor.ILogger, op func() error) error {
	delay := 50 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		msg := lastErr.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return lastErr
		}
		if attempt == 5 {
			break
		}
		logger.Warn().Int("attempt", attempt).Str("error", msg).Msg("store: database busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func (s *SQLiteStore) Create(ctx context.Context, kind models.JobKind, subjectID string, payload models.Bag) (*models.Job, error) {
	job := models.NewJob(kind, subjectID, payload)

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = retryOnBusy(ctx, s.logger, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO job (id, kind, subject_id, status, progress, stage, message, error, payload_json, result_json, retry_count, created_at)
			VALUES (?, ?, ?, ?, 0, '', '', '', ?, '', 0, ?)`,
			job.ID, string(job.Kind), job.SubjectID, string(job.Status), string(payloadJSON), job.CreatedAt.Unix())
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

// CreateRetry persists a Pending successor identical to original with the
// retry count incremented (spec §4.7 step 5). The original's payload is
// carried verbatim, unknown fields included (spec §9).
func (s *SQLiteStore) CreateRetry(ctx context.Context, original *models.Job) (*models.Job, error) {
	job := models.NewJob(original.Kind, original.SubjectID, original.Payload)
	job.RetryCount = original.RetryCount + 1

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = retryOnBusy(ctx, s.logger, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO job (id, kind, subject_id, status, progress, stage, message, error, payload_json, result_json, retry_count, created_at)
			VALUES (?, ?, ?, ?, 0, '', '', '', ?, '', ?, ?)`,
			job.ID, string(job.Kind), job.SubjectID, string(job.Status),
			string(payloadJSON), job.RetryCount, job.CreatedAt.Unix())
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert retry job: %w", err)
	}
	return job, nil
}

// ClaimNext implements spec §4.1's crash-safe claim: a SELECT of the
// oldest fresh Pending id followed by an UPDATE conditional on the row
// still being Pending, both under the store mutex, so at most one
// concurrent caller receives any given job (P4).
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// created_at is stored in whole seconds (rounded down), so the cutoff
	// is rounded up: a job is eligible only if it was created inside the
	// freshness window.
	windowStart := time.Now().Add(-s.freshnessWindow)
	cutoff := windowStart.Unix()
	if windowStart.Nanosecond() > 0 {
		cutoff++
	}
	now := time.Now()

	var id string
	err := retryOnBusy(ctx, s.logger, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id FROM job
			WHERE status = ? AND created_at >= ?
			ORDER BY created_at ASC
			LIMIT 1`, string(models.StatusPending), cutoff)
		return row.Scan(&id)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	var claimed bool
	err = retryOnBusy(ctx, s.logger, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE job SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			string(models.StatusRunning), now.Unix(), id, string(models.StatusPending))
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		// Another caller claimed it first between SELECT and UPDATE.
		return nil, nil
	}

	return s.getLocked(ctx, id)
}

// ClaimByID is the dispatcher's normal claim path (spec §4.2): goqite
// delivers a job id, and this call converts that delivery into exclusive
// ownership by transitioning Pending to Running, or reports (nil, nil) if
// the id is no longer claimable (already running, terminal, or absent —
// e.g. purged by retention).
func (s *SQLiteStore) ClaimByID(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed bool
	err := retryOnBusy(ctx, s.logger, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE job SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			string(models.StatusRunning), time.Now().Unix(), id, string(models.StatusPending))
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if !claimed {
		return nil, nil
	}

	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress float64, stage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, s.logger, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE job SET progress = ?, stage = ?, message = ?
			WHERE id = ? AND status = ?`,
			progress, stage, message, id, string(models.StatusRunning))
		return err
	})
}

// Finish is last-write-wins over progress updates: only a Pending/Running
// row transitions, so a progress update racing a Finish can never
// resurrect an already-terminal job (spec §4.1 failure semantics).
func (s *SQLiteStore) Finish(ctx context.Context, id string, status models.JobStatus, result models.Bag, errMsg string) error {
	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, s.logger, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE job SET status = ?, result_json = ?, error = ?, completed_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(status), resultJSON, errMsg, time.Now().Unix(), id,
			string(models.StatusPending), string(models.StatusRunning))
		return err
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject_id, status, progress, stage, message, error, payload_json, result_json, retry_count, created_at, started_at, completed_at
		FROM job WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("job %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	var where []string
	var args []interface{}

	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := `SELECT id, kind, subject_id, status, progress, stage, message, error, payload_json, result_json, retry_count, created_at, started_at, completed_at FROM job`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, cutoff.Unix())

	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := retryOnBusy(ctx, s.logger, func() error {
		res, execErr := s.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM job WHERE status IN (%s) AND completed_at IS NOT NULL AND completed_at < ?`,
			strings.Join(placeholders, ",")), args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(affected), nil
}

// ResetOrphanedRunning is called once at startup (spec §4.1): every job a
// crashed process left Running cannot have a live worker, so it is
// reclassified as Pending and re-claimed by the next worker to poll.
func (s *SQLiteStore) ResetOrphanedRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := retryOnBusy(ctx, s.logger, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE job SET status = ?, started_at = NULL, progress = 0
			WHERE status = ?`, string(models.StatusPending), string(models.StatusRunning))
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("reset orphaned running jobs: %w", err)
	}
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("reset orphaned running jobs to pending on startup")
	}
	return int(affected), nil
}

// MigrateLegacyPayloads repairs rows written under the old shape that
// stored the input payload in the result column (spec §9). Only
// non-terminal rows qualify: terminal rows legitimately hold a result.
func (s *SQLiteStore) MigrateLegacyPayloads(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := retryOnBusy(ctx, s.logger, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE job SET payload_json = result_json, result_json = ''
			WHERE status IN (?, ?)
			AND (payload_json = '' OR payload_json = '{}')
			AND result_json != ''`,
			string(models.StatusPending), string(models.StatusRunning))
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("migrate legacy payloads: %w", err)
	}
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("migrated legacy payload-in-result rows")
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	return scanRow(row)
}

func scanJobRows(rows *sql.Rows) (*models.Job, error) {
	return scanRow(rows)
}

func scanRow(row rowScanner) (*models.Job, error) {
	var (
		job                       models.Job
		kind, status              string
		payloadJSON, resultJSON   string
		createdAt                 int64
		startedAt, completedAt    sql.NullInt64
	)

	if err := row.Scan(&job.ID, &kind, &job.SubjectID, &status, &job.Progress, &job.Stage, &job.Message,
		&job.Error, &payloadJSON, &resultJSON, &job.RetryCount, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.CreatedAt = time.Unix(createdAt, 0).UTC()

	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}

	return &job, nil
}
