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

	"github.com/ternarybob/reelforge/internal/common"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
)

// Projects is the narrow view of project rows the core consumes. The
// project is otherwise an external domain object (spec §3): the core
// mutates status only, as part of sequencing or recovery.
type Projects interface {
	Create(ctx context.Context, name, sourceURL string, policy models.Bag) (*models.Project, error)
	Get(ctx context.Context, id string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	// ListByStatus returns every project currently at one of the given
	// lifecycle statuses, used by the supervisor's orphan and
	// workflow-continuity scans (spec §4.7 steps 4 and 6).
	ListByStatus(ctx context.Context, statuses ...models.ProjectStatus) ([]*models.Project, error)
	// SetStatus transitions the project's lifecycle status. It is the
	// only project mutation the core performs.
	SetStatus(ctx context.Context, id string, status models.ProjectStatus) error
}

// SQLiteProjects is the SQLite-backed Projects view, sharing the job
// store's connection (spec §6: a single relational store holds job rows
// and project rows).
type SQLiteProjects struct {
	db     *sql.DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewProjects creates the project view on the shared connection.
func NewProjects(db *sql.DB, logger arbor.ILogger) *SQLiteProjects {
	return &SQLiteProjects{db: db, logger: logger}
}

func (p *SQLiteProjects) Create(ctx context.Context, name, sourceURL string, policy models.Bag) (*models.Project, error) {
	if policy == nil {
		policy = models.Bag{}
	}
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:        common.NewProjectID(),
		Name:      name,
		SourceURL: sourceURL,
		Status:    models.ProjectCreated,
		Policy:    policy.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = retryOnBusy(ctx, p.logger, func() error {
		_, execErr := p.db.ExecContext(ctx, `
			INSERT INTO project (id, name, source_url, status, policy_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			project.ID, project.Name, project.SourceURL, string(project.Status),
			string(policyJSON), now.Unix(), now.Unix())
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (p *SQLiteProjects) Get(ctx context.Context, id string) (*models.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, source_url, status, policy_json, created_at, updated_at
		FROM project WHERE id = ?`, id)
	project, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("project %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return project, nil
}

func (p *SQLiteProjects) List(ctx context.Context) ([]*models.Project, error) {
	return p.query(ctx, `
		SELECT id, name, source_url, status, policy_json, created_at, updated_at
		FROM project ORDER BY created_at DESC`)
}

func (p *SQLiteProjects) ListByStatus(ctx context.Context, statuses ...models.ProjectStatus) ([]*models.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return p.query(ctx, fmt.Sprintf(`
		SELECT id, name, source_url, status, policy_json, created_at, updated_at
		FROM project WHERE status IN (%s) ORDER BY created_at ASC`,
		strings.Join(placeholders, ",")), args...)
}

func (p *SQLiteProjects) query(ctx context.Context, query string, args ...interface{}) ([]*models.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (p *SQLiteProjects) SetStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var affected int64
	err := retryOnBusy(ctx, p.logger, func() error {
		res, execErr := p.db.ExecContext(ctx, `
			UPDATE project SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().Unix(), id)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if affected == 0 {
		return orcherr.NotFound(fmt.Sprintf("project %s not found", id))
	}
	return nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		project              models.Project
		status, policyJSON   string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&project.ID, &project.Name, &project.SourceURL, &status,
		&policyJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	project.Status = models.ProjectStatus(status)
	project.CreatedAt = time.Unix(createdAt, 0).UTC()
	project.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if policyJSON != "" {
		if err := json.Unmarshal([]byte(policyJSON), &project.Policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
	}
	return &project, nil
}
