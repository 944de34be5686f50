// Package sequencer implements the pipeline sequencer (C5): the static
// table of pipeline edges chaining ingest -> analyze -> export per
// project, plus the per-stage preconditions (spec §4.5). It is also the
// single entry point for job creation, where the at-most-one-active
// invariant (P2) is enforced.
package sequencer

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/cache"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/store"
)

// Payload keys consulted by the edge guards.
const (
	// PayloadVariant distinguishes the two Ingest variants: "download"
	// fetches the source, "prepare" materializes it for analysis.
	PayloadVariant  = "variant"
	VariantDownload = "download"
	VariantPrepare  = "prepare"

	PayloadAutoIngest  = "auto_ingest"
	PayloadAutoAnalyze = "auto_analyze"
)

// Enqueuer publishes a created job's id onto the durable queue. Satisfied
// by queue.Manager; kept as an interface so tests can capture enqueues.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Service evaluates pipeline edges and creates jobs.
type Service struct {
	store    store.Store
	projects store.Projects
	queue    Enqueuer
	bus      *bus.Bus
	cache    *cache.StepCache
	layout   cache.Layout
	logger   arbor.ILogger
}

// New creates the sequencer.
func New(st store.Store, projects store.Projects, queue Enqueuer, b *bus.Bus, stepCache *cache.StepCache, layout cache.Layout, logger arbor.ILogger) *Service {
	return &Service{
		store:    st,
		projects: projects,
		queue:    queue,
		bus:      b,
		cache:    stepCache,
		layout:   layout,
		logger:   logger,
	}
}

// CreateJob creates and enqueues a Pending job, enforcing the
// at-most-one-active invariant: for a given (subject id, kind) at most
// one job may be Pending or Running at any instant (P2).
func (s *Service) CreateJob(ctx context.Context, kind models.JobKind, subjectID string, payload models.Bag) (*models.Job, error) {
	return s.create(ctx, kind, subjectID, payload, "")
}

// create is CreateJob with an optional predecessor exclusion: a pipeline
// edge fires while its predecessor is still Running, so a same-kind
// successor must not count the predecessor against the active-job guard.
func (s *Service) create(ctx context.Context, kind models.JobKind, subjectID string, payload models.Bag, excludeID string) (*models.Job, error) {
	if subjectID != "" {
		active, err := s.hasActiveJobExcluding(ctx, subjectID, kind, excludeID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, orcherr.Precondition(fmt.Sprintf("project %s already has an active %s job", subjectID, kind))
		}
	}

	job, err := s.store.Create(ctx, kind, subjectID, payload)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	s.bus.Publish(ctx, job.ID, bus.Event{Kind: bus.EventJobUpdate, Job: job})
	s.logger.Info().Str("job_id", job.ID).Str("kind", string(kind)).Str("project_id", subjectID).Msg("job created")
	return job, nil
}

// CreateRetry creates and enqueues the supervisor's retry successor for a
// failed job, bypassing nothing: the P2 guard still applies.
func (s *Service) CreateRetry(ctx context.Context, original *models.Job) (*models.Job, error) {
	if original.SubjectID != "" {
		active, err := s.HasActiveJob(ctx, original.SubjectID, original.Kind)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, orcherr.Precondition(fmt.Sprintf("project %s already has an active %s job", original.SubjectID, original.Kind))
		}
	}

	job, err := s.store.CreateRetry(ctx, original)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue retry job %s: %w", job.ID, err)
	}

	s.bus.Publish(ctx, job.ID, bus.Event{Kind: bus.EventJobUpdate, Job: job})
	return job, nil
}

// HasActiveJob reports whether a Pending or Running job exists for
// (subjectID, kind).
func (s *Service) HasActiveJob(ctx context.Context, subjectID string, kind models.JobKind) (bool, error) {
	return s.hasActiveJobExcluding(ctx, subjectID, kind, "")
}

func (s *Service) hasActiveJobExcluding(ctx context.Context, subjectID string, kind models.JobKind, excludeID string) (bool, error) {
	jobs, err := s.store.List(ctx, store.ListFilter{
		SubjectID: subjectID,
		Kind:      kind,
		Statuses:  []models.JobStatus{models.StatusPending, models.StatusRunning},
	})
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

// SetProjectStatus transitions the project's lifecycle status and
// announces the transition on the progress bus. This is the only path
// through which the core mutates a project.
func (s *Service) SetProjectStatus(ctx context.Context, projectID string, status models.ProjectStatus) error {
	if err := s.projects.SetStatus(ctx, projectID, status); err != nil {
		return err
	}
	s.bus.Publish(ctx, "", bus.Event{
		Kind:      bus.EventSubjectUpdate,
		SubjectID: projectID,
		Status:    status,
	})
	return nil
}

// Advance evaluates the pipeline-edge table for a job that is about to
// complete successfully, creating the successor job if an edge matches.
// Handlers call this just before returning success so successor creation
// is part of the same logical unit as the predecessor's completion; a
// successor-miss here is repaired by the supervisor's continuity scan
// (spec §4.5, §4.7 step 6).
func (s *Service) Advance(ctx context.Context, job *models.Job) error {
	if job.SubjectID == "" || job.Kind != models.KindIngest {
		// Analyze is never auto-chained to Export (requires user action),
		// and the remaining kinds have no successors.
		return nil
	}

	variant, _ := job.Payload.GetString(PayloadVariant)
	switch variant {
	case VariantDownload:
		if auto, _ := job.Payload.GetBool(PayloadAutoIngest); !auto {
			return nil
		}
		successor := models.Bag{PayloadVariant: VariantPrepare}
		if auto, ok := job.Payload.GetBool(PayloadAutoAnalyze); ok {
			successor[PayloadAutoAnalyze] = auto
		}
		_, err := s.create(ctx, models.KindIngest, job.SubjectID, successor, job.ID)
		if err != nil {
			return fmt.Errorf("chain ingest prepare for %s: %w", job.SubjectID, err)
		}
		return nil

	case VariantPrepare, "":
		if auto, _ := job.Payload.GetBool(PayloadAutoAnalyze); !auto {
			return nil
		}
		project, err := s.projects.Get(ctx, job.SubjectID)
		if err != nil {
			return err
		}
		if project.Status != models.ProjectIngested {
			return nil
		}
		if _, err := s.CreateJob(ctx, models.KindAnalyze, job.SubjectID, models.Bag{}); err != nil {
			return fmt.Errorf("chain analyze for %s: %w", job.SubjectID, err)
		}
		if err := s.SetProjectStatus(ctx, job.SubjectID, models.ProjectAnalyzing); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// CheckPreconditions applies the per-stage fail-fast guards (spec §4.5).
// A Precondition error surfaces to the caller with the project status
// unchanged (spec §7).
func (s *Service) CheckPreconditions(ctx context.Context, kind models.JobKind, payload models.Bag, projectID string) error {
	switch kind {
	case models.KindIngest:
		variant, _ := payload.GetString(PayloadVariant)
		if variant != VariantPrepare && variant != "" {
			return nil
		}
		dir := s.layout.SourceDir(projectID)
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) == 0 {
			return orcherr.Precondition(fmt.Sprintf("project %s has no materialized source under %s", projectID, dir))
		}
		return nil

	case models.KindAnalyze:
		path := s.layout.AudioPath(projectID)
		if _, err := os.Stat(path); err != nil {
			return orcherr.Precondition(fmt.Sprintf("project %s has no extracted-audio artifact at %s", projectID, path))
		}
		return nil

	case models.KindExport, models.KindRenderVariants:
		if _, ok := s.cache.Get(projectID, "transcribe"); !ok {
			return orcherr.Precondition(fmt.Sprintf("project %s has no stored transcript", projectID))
		}
		segments, ok := s.cache.Get(projectID, "score_segments")
		if !ok {
			return orcherr.Precondition(fmt.Sprintf("project %s has no stored candidate segments", projectID))
		}
		if list, listOK := segments["segments"].([]interface{}); listOK && len(list) == 0 {
			return orcherr.Precondition(fmt.Sprintf("project %s has zero candidate segments", projectID))
		}
		return nil
	}
	return nil
}
