// Package store implements the durable job store (C1): the transactionally
// consistent mapping from job id to Job record described in spec §4.1.
package store

import (
	"context"
	"time"

	"github.com/ternarybob/reelforge/internal/models"
)

// Store is the job store contract consumed by the dispatcher, sequencer,
// supervisor, and HTTP control surface.
type Store interface {
	// Create assigns an id and created-at and persists a Pending job.
	Create(ctx context.Context, kind models.JobKind, subjectID string, payload models.Bag) (*models.Job, error)

	// CreateRetry persists a Pending successor identical to original with
	// the retry count incremented, used by the supervisor's failed-job
	// auto-retry (spec §4.7 step 5).
	CreateRetry(ctx context.Context, original *models.Job) (*models.Job, error)

	// ClaimNext selects the oldest Pending job created within the
	// freshness window, atomically transitions it to Running, and sets
	// started-at. Returns (nil, nil) if nothing is claimable. The
	// dispatcher claims through ClaimByID, not this method.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// ClaimByID atomically transitions id from Pending to Running if it
	// is still Pending, and sets started-at. Returns (nil, nil) if the
	// job is missing or no longer Pending (already claimed, cancelled, or
	// purged). This is the dispatcher's normal claim path: goqite (C2)
	// delivers the id, and this call converts delivery into ownership.
	ClaimByID(ctx context.Context, id string) (*models.Job, error)

	// UpdateProgress is a no-op if the job is not Running. Safe for
	// concurrent callers across jobs; serializes writes to the same row.
	UpdateProgress(ctx context.Context, id string, progress float64, stage, message string) error

	// Finish sets completed-at and the terminal status. Idempotent: a
	// second Finish call on an already-terminal job is a no-op (a
	// progress update racing a Finish must never resurrect a terminal job).
	Finish(ctx context.Context, id string, status models.JobStatus, result models.Bag, errMsg string) error

	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// PurgeOlderThan deletes terminal jobs in statuses older than cutoff.
	PurgeOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) (int, error)

	// ResetOrphanedRunning transitions every Running job back to Pending
	// and clears started-at. Run once on process startup (spec §4.1): a
	// Running job implies an in-process worker, which cannot survive a crash.
	ResetOrphanedRunning(ctx context.Context) (int, error)

	// MigrateLegacyPayloads moves payloads that older deployments stored
	// in the result column into the payload column. Run once at startup,
	// before the dispatcher starts serving, and only touches non-terminal
	// rows with an empty payload and a non-empty result.
	MigrateLegacyPayloads(ctx context.Context) (int, error)
}

// ListFilter narrows List to a subject, kind, and/or status set. Zero
// values are wildcards.
type ListFilter struct {
	SubjectID string
	Kind      models.JobKind
	Statuses  []models.JobStatus
	Limit     int
}
